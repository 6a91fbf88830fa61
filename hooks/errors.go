package hooks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrHookPending terminates the branch that created a hook in
	// non-blocking mode when no resolution is available yet. The run reports
	// the hook instead of failing.
	ErrHookPending = errors.New("hooks: hook pending")
	// ErrHookCancelled is returned to the branch awaiting a cancelled hook.
	ErrHookCancelled = errors.New("hooks: hook cancelled")
	// ErrUnknownHook means no pending hook matches the id.
	ErrUnknownHook = errors.New("hooks: unknown hook")
	// ErrAlreadyResolved means the hook already reached a terminal state.
	ErrAlreadyResolved = errors.New("hooks: hook already resolved")
	// ErrInvalidResolution means the value does not match the hook schema.
	ErrInvalidResolution = errors.New("hooks: invalid resolution")
)

// Info describes a hook waiting for a resolution. It is enough for external
// code to pick a resolution without knowing the run's internals.
type Info struct {
	HookID   string         `json:"hook_id"`
	Label    string         `json:"label"`
	HookType string         `json:"hook_type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PendingError carries the hooks that suspended one or more branches.
type PendingError struct {
	Hooks []Info
}

func (e *PendingError) Error() string {
	ids := e.HookIDs()
	if len(ids) == 1 {
		return fmt.Sprintf("hooks: hook %q pending", ids[0])
	}
	return fmt.Sprintf("hooks: hooks pending: %s", strings.Join(ids, ", "))
}

func (e *PendingError) Is(target error) bool {
	return target == ErrHookPending
}

func (e *PendingError) HookIDs() []string {
	ids := make([]string, 0, len(e.Hooks))
	for _, h := range e.Hooks {
		ids = append(ids, h.HookID)
	}
	return ids
}

// JoinPending merges pending errors from sibling branches, sorted by hook
// id so the result does not depend on scheduling.
func JoinPending(errs ...*PendingError) *PendingError {
	out := &PendingError{}
	seen := map[string]bool{}
	for _, e := range errs {
		if e == nil {
			continue
		}
		for _, h := range e.Hooks {
			if seen[h.HookID] {
				continue
			}
			seen[h.HookID] = true
			out.Hooks = append(out.Hooks, h)
		}
	}
	sort.Slice(out.Hooks, func(i, j int) bool { return out.Hooks[i].HookID < out.Hooks[j].HookID })
	return out
}

// AsPending extracts the PendingError from err, if any.
func AsPending(err error) (*PendingError, bool) {
	var pe *PendingError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
