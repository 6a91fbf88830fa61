package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-runtime-go/checkpoint"
	"github.com/PipeOpsHQ/agent-runtime-go/types"
)

type recorder struct {
	mu   sync.Mutex
	msgs []*types.Message
}

func (r *recorder) Put(_ context.Context, msg *types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg.Clone())
	return nil
}

func (r *recorder) statuses(hookID string) []types.HookStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.HookStatus
	for _, m := range r.msgs {
		if p := m.HookPart(hookID); p != nil {
			out = append(out, p.Status)
		}
	}
	return out
}

type approval struct {
	Granted bool   `json:"granted"`
	Reason  string `json:"reason,omitempty"`
}

func waitPending(t *testing.T, reg *Registry, hookID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := reg.Pending()[hookID]
		return ok
	}, time.Second, time.Millisecond)
}

func TestBlockingResolve(t *testing.T) {
	cp := checkpoint.New()
	pub := &recorder{}
	reg := NewRegistry(cp, pub)
	ctx := types.ContextWithLabel(context.Background(), "agent-a")

	type outcome struct {
		raw json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err := reg.Create(ctx, Request{HookID: "h1", HookType: "approval", Metadata: map[string]any{"tool": "rm"}})
		done <- outcome{raw, err}
	}()

	waitPending(t, reg, "h1")
	info := reg.Pending()["h1"]
	assert.Equal(t, "agent-a", info.Label)
	assert.Equal(t, "approval", info.HookType)
	assert.Equal(t, "rm", info.Metadata["tool"])

	require.NoError(t, reg.Resolve("h1", approval{Granted: true}))
	got := <-done
	require.NoError(t, got.err)
	assert.JSONEq(t, `{"granted":true}`, string(got.raw))

	rec, ok := cp.Hook("h1")
	require.True(t, ok)
	assert.Equal(t, types.HookResolved, rec.Status)
	assert.Equal(t, "agent-a", rec.Label)
	assert.Empty(t, reg.Pending())
	assert.Equal(t, []types.HookStatus{types.HookPending, types.HookResolved}, pub.statuses("h1"))
}

func TestBlockingCancel(t *testing.T) {
	cp := checkpoint.New()
	reg := NewRegistry(cp, &recorder{})

	done := make(chan error, 1)
	go func() {
		_, err := reg.Create(context.Background(), Request{HookID: "h1", HookType: "approval"})
		done <- err
	}()
	waitPending(t, reg, "h1")

	require.NoError(t, reg.Cancel("h1"))
	require.ErrorIs(t, <-done, ErrHookCancelled)

	rec, ok := cp.Hook("h1")
	require.True(t, ok)
	assert.Equal(t, types.HookCancelled, rec.Status)
}

func TestResolveIsIdempotentAfterFirstTransition(t *testing.T) {
	reg := NewRegistry(checkpoint.New(), &recorder{})
	done := make(chan error, 1)
	go func() {
		_, err := reg.Create(context.Background(), Request{HookID: "h1"})
		done <- err
	}()
	waitPending(t, reg, "h1")

	require.NoError(t, reg.Resolve("h1", "first"))
	require.NoError(t, <-done)

	require.ErrorIs(t, reg.Resolve("h1", "second"), ErrAlreadyResolved)
	require.ErrorIs(t, reg.Cancel("h1"), ErrAlreadyResolved)
}

func TestUnknownHook(t *testing.T) {
	reg := NewRegistry(checkpoint.New(), nil)
	require.ErrorIs(t, reg.Resolve("missing", true), ErrUnknownHook)
	require.ErrorIs(t, reg.Cancel("missing"), ErrUnknownHook)
}

func TestInvalidResolutionKeepsHookPending(t *testing.T) {
	cp := checkpoint.New()
	reg := NewRegistry(cp, &recorder{})
	h := New[approval]("approval")

	done := make(chan approval, 1)
	go func() {
		v, err := h.Create(context.Background(), reg, "h1")
		if err != nil {
			t.Errorf("create: %v", err)
		}
		done <- v
	}()
	waitPending(t, reg, "h1")

	err := reg.Resolve("h1", map[string]any{"granted": "maybe"})
	require.ErrorIs(t, err, ErrInvalidResolution)
	_, recorded := cp.Hook("h1")
	assert.False(t, recorded)
	assert.Contains(t, reg.Pending(), "h1")

	require.NoError(t, h.Resolve(reg, "h1", approval{Granted: true, Reason: "ok"}))
	assert.Equal(t, approval{Granted: true, Reason: "ok"}, <-done)
}

func TestNonBlockingSuspendsWithReport(t *testing.T) {
	cp := checkpoint.New()
	pub := &recorder{}
	reg := NewRegistry(cp, pub, WithMode(NonBlocking))

	_, err := reg.Create(context.Background(), Request{HookID: "h1", HookType: "approval", Label: "main"})
	require.ErrorIs(t, err, ErrHookPending)
	pe, ok := AsPending(err)
	require.True(t, ok)
	assert.Equal(t, []string{"h1"}, pe.HookIDs())

	assert.Equal(t, "main", reg.Pending()["h1"].Label)
	_, recorded := cp.Hook("h1")
	assert.False(t, recorded, "suspended hooks stay out of the checkpoint")
	require.ErrorIs(t, reg.Resolve("h1", true), ErrAlreadyResolved)
	assert.Equal(t, []types.HookStatus{types.HookPending}, pub.statuses("h1"))
}

func TestProvidedResolutionSkipsSuspension(t *testing.T) {
	cp := checkpoint.New()
	pub := &recorder{}
	reg := NewRegistry(cp, pub,
		WithMode(NonBlocking),
		WithResolutions(map[string]json.RawMessage{"h1": json.RawMessage(`{"granted":false}`)}),
	)

	v, err := New[approval]("approval").Create(context.Background(), reg, "h1")
	require.NoError(t, err)
	assert.False(t, v.Granted)

	rec, ok := cp.Hook("h1")
	require.True(t, ok)
	assert.Equal(t, types.HookResolved, rec.Status)
	assert.Equal(t, []types.HookStatus{types.HookResolved}, pub.statuses("h1"))
	assert.Empty(t, reg.Pending())
}

func TestReplayReturnsRecordedOutcome(t *testing.T) {
	cp := checkpoint.New()
	require.NoError(t, cp.ResolveHook("h1", "approval", approval{Granted: true}))
	require.NoError(t, cp.CancelHook("h2", "approval"))

	pub := &recorder{}
	reg := NewRegistry(cp, pub, WithMode(NonBlocking))

	var transitions []Transition
	reg.listener = func(_ context.Context, tr Transition) { transitions = append(transitions, tr) }

	raw, err := reg.Create(context.Background(), Request{HookID: "h1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"granted":true}`, string(raw))

	_, err = reg.Create(context.Background(), Request{HookID: "h2"})
	require.ErrorIs(t, err, ErrHookCancelled)

	require.Len(t, transitions, 2)
	assert.True(t, transitions[0].Replayed)
	assert.Equal(t, types.HookCancelled, transitions[1].Status)
	assert.Equal(t, []types.HookStatus{types.HookResolved}, pub.statuses("h1"))
	assert.Equal(t, 2, cp.Len())
}

func TestDuplicateLiveHookRejected(t *testing.T) {
	reg := NewRegistry(checkpoint.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = reg.Create(ctx, Request{HookID: "h1"}) }()
	waitPending(t, reg, "h1")

	_, err := reg.Create(context.Background(), Request{HookID: "h1"})
	require.ErrorIs(t, err, checkpoint.ErrDuplicateKey)
}

func TestContextCancellationReleasesWaiter(t *testing.T) {
	reg := NewRegistry(checkpoint.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := reg.Create(ctx, Request{HookID: "h1"})
		done <- err
	}()
	waitPending(t, reg, "h1")
	cancel()

	err := <-done
	require.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, reg.Pending())
	require.ErrorIs(t, reg.Resolve("h1", true), ErrUnknownHook)
}

func TestJoinPendingSortsAndDedups(t *testing.T) {
	joined := JoinPending(
		&PendingError{Hooks: []Info{{HookID: "b"}}},
		nil,
		&PendingError{Hooks: []Info{{HookID: "a"}, {HookID: "b"}}},
	)
	assert.Equal(t, []string{"a", "b"}, joined.HookIDs())
	assert.True(t, errors.Is(joined, ErrHookPending))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("non-blocking")
	require.NoError(t, err)
	assert.Equal(t, NonBlocking, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Blocking, m)
	_, err = ParseMode("sometimes")
	require.Error(t, err)
}
