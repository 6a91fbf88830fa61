package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

// Branch is one child of a Parallel call.
type Branch struct {
	Label string
	Run   func(ctx context.Context, rt *Runtime) error
}

// Parallel runs branches concurrently under their own labels and waits for
// all of them. A failing or suspended branch does not cancel its siblings;
// each branch's deferred cleanup runs as soon as that branch returns.
//
// The result is the first failure in branch order that is not a pending
// hook, otherwise a joined hooks.PendingError when any branch suspended,
// otherwise nil.
func (rt *Runtime) Parallel(ctx context.Context, branches ...Branch) error {
	errs := make([]error, len(branches))
	var g errgroup.Group
	for i, b := range branches {
		label := b.Label
		if label == "" {
			label = fmt.Sprintf("%s/branch-%d", rt.label, i+1)
		}
		child := rt.WithLabel(label)
		g.Go(func() error {
			if b.Run == nil {
				errs[i] = fmt.Errorf("branch %q has no body", label)
				return nil
			}
			errs[i] = runBranch(types.ContextWithLabel(ctx, label), child, b.Run)
			if errs[i] != nil {
				child.run.logger.Debug("branch ended", zap.String("label", label), zap.Error(errs[i]))
			}
			return nil
		})
	}
	_ = g.Wait()

	var pending []*hooks.PendingError
	for i, err := range errs {
		if err == nil {
			continue
		}
		if pe, ok := hooks.AsPending(err); ok {
			pending = append(pending, pe)
			continue
		}
		label := branches[i].Label
		if label == "" {
			label = fmt.Sprintf("%s/branch-%d", rt.label, i+1)
		}
		return fmt.Errorf("branch %q: %w", label, err)
	}
	if len(pending) > 0 {
		return hooks.JoinPending(pending...)
	}
	return nil
}

func runBranch(ctx context.Context, rt *Runtime, fn func(context.Context, *Runtime) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("branch panicked: %v", p)
		}
	}()
	return fn(ctx, rt)
}

// IsPending reports whether err means a branch is waiting on a hook.
func IsPending(err error) bool {
	return errors.Is(err, hooks.ErrHookPending)
}
