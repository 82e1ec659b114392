package channelmanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawlite/gateway/internal/domain/channel"
	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

type fakeAdapter struct {
	name    string
	state   resilience.CircuitState
	started bool
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Start(ctx context.Context, handler channel.InboundHandler) error {
	f.started = true
	return nil
}
func (f *fakeAdapter) Stop(ctx context.Context) error { f.started = false; return nil }
func (f *fakeAdapter) Send(ctx context.Context, target, text string, metadata map[string]any) resilience.SendResult {
	return resilience.SendResult{OK: true}
}
func (f *fakeAdapter) Health() channel.HealthView { return channel.HealthView{Running: f.started} }
func (f *fakeAdapter) OutboundMetricsSnapshot() resilience.Metrics {
	return resilience.Metrics{CircuitState: f.state}
}

func TestWorstOfInstancesAggregation(t *testing.T) {
	mgr := New(nil, nil, nil)
	a := &fakeAdapter{name: "irc", state: resilience.CircuitClosed}
	b := &fakeAdapter{name: "irc", state: resilience.CircuitOpen}

	require.NoError(t, mgr.StartInstance(context.Background(), PrimaryKey("irc"), "irc", a))
	require.NoError(t, mgr.StartInstance(context.Background(), AccountKey("irc", "secondary"), "irc", b))

	metrics := mgr.OutboundMetrics("irc")
	assert.Equal(t, resilience.CircuitOpen, metrics.CircuitState)
}

func TestStopAllStopsEveryInstance(t *testing.T) {
	mgr := New(nil, nil, nil)
	a := &fakeAdapter{name: "slack"}
	require.NoError(t, mgr.StartInstance(context.Background(), PrimaryKey("slack"), "slack", a))
	require.NoError(t, mgr.StopAll(context.Background()))
	assert.False(t, a.started)
	assert.Empty(t, mgr.DescribeInstances())
}

func TestBroadcastSkipsChannelsWithNoBoundSession(t *testing.T) {
	mgr := New(nil, nil, nil)
	a := &fakeAdapter{name: "dm"}
	require.NoError(t, mgr.StartInstance(context.Background(), PrimaryKey("dm"), "dm", a))

	result := mgr.BroadcastProactive(context.Background(), "hi", "")
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Delivered)

	mgr.SessionIndex().Bind("dm", "dm_123")
	result = mgr.BroadcastProactive(context.Background(), "hi", "")
	assert.Equal(t, 1, result.Delivered)
}
