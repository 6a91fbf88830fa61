package prom

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-runtime-go/observe"
)

func TestSinkCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewSink(WithRegisterer(reg), WithNamespace("test"))
	ctx := context.Background()

	for _, ev := range []observe.Event{
		{Kind: observe.KindRun, Status: observe.StatusStarted},
		{Kind: observe.KindStep, Status: observe.StatusCompleted, DurationMs: 120},
		{Kind: observe.KindStep, Status: observe.StatusReplayed},
		{Kind: observe.KindTool, Status: observe.StatusFailed, Error: "boom"},
		{Kind: observe.KindRun, Status: observe.StatusStarted},
		{Kind: observe.KindRun, Status: observe.StatusSuspended},
	} {
		require.NoError(t, sink.Emit(ctx, ev))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.events.WithLabelValues("run", "started")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("step", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.events.WithLabelValues("tool", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsInFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.duration))
}
