package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexastream/nexastream/internal/realtime"
)

func newTrafficFixture(t *testing.T) (*TrafficController, *fakeRollout, *fakeService, *fakeService) {
	legacy := newFakeService("legacy")
	replacement := newFakeService("replacement")
	ro := newFakeRollout()
	tc := NewTrafficController(zaptest.NewLogger(t), TestingConfig(), ro, NewHealthValidator(), legacy, replacement)
	return tc, ro, legacy, replacement
}

func TestShiftForwardSequence(t *testing.T) {
	tc, ro, legacy, _ := newTrafficFixture(t)
	legacy.stats = realtime.Stats{ActiveConnections: 100}

	var observed []int
	err := tc.Shift(context.Background(), ShiftForward, 100, func(pct int, _ HealthMetrics) {
		observed = append(observed, pct)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 25, 50, 75, 100}, observed)
	assert.Equal(t, []int{10, 25, 50, 75, 100}, ro.updates())
}

func TestShiftBackwardSequence(t *testing.T) {
	tc, ro, _, _ := newTrafficFixture(t)
	ro.pct = 100

	var observed []int
	err := tc.Shift(context.Background(), ShiftBackward, 0, func(pct int, _ HealthMetrics) {
		observed = append(observed, pct)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{75, 50, 25, 0}, observed)
	assert.Equal(t, 0, ro.RolloutPercentage(RolloutFlag))
}

// A rollback starts from wherever the forward shift stopped: steps at or
// above the current split are skipped so traffic to the failing service
// never increases on the way down.
func TestShiftBackwardSkipsStepsAboveCurrent(t *testing.T) {
	tc, ro, _, _ := newTrafficFixture(t)
	ro.pct = 50

	var observed []int
	err := tc.Shift(context.Background(), ShiftBackward, 0, func(pct int, _ HealthMetrics) {
		observed = append(observed, pct)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{25, 0}, observed)
}

func TestShiftBackwardFromZeroIsANoop(t *testing.T) {
	tc, ro, _, _ := newTrafficFixture(t)

	err := tc.Shift(context.Background(), ShiftBackward, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, ro.updates())
}

// Error rate 0.02 is tolerated through the 25% step but breaches the 1%
// threshold at 50: the shift stops there.
func TestShiftStopsOnHealthRegression(t *testing.T) {
	tc, ro, legacy, _ := newTrafficFixture(t)
	legacy.stats = realtime.Stats{ActiveConnections: 100}
	ro.errorRateByPct[50] = 0.02

	var observed []int
	err := tc.Shift(context.Background(), ShiftForward, 100, func(pct int, _ HealthMetrics) {
		observed = append(observed, pct)
	})
	require.ErrorIs(t, err, ErrHealthRegression)
	assert.Equal(t, []int{10, 25, 50}, observed)
	assert.Equal(t, 50, ro.RolloutPercentage(RolloutFlag))
}

func TestShiftStopsOnExternalRollbackSignal(t *testing.T) {
	tc, ro, legacy, _ := newTrafficFixture(t)
	legacy.stats = realtime.Stats{ActiveConnections: 100}
	ro.rollbackSignal = true

	err := tc.Shift(context.Background(), ShiftForward, 100, nil)
	require.ErrorIs(t, err, ErrExternalRollback)
	assert.Equal(t, 10, ro.RolloutPercentage(RolloutFlag))
}

func TestShiftBackwardSkipsHealthGating(t *testing.T) {
	tc, ro, _, _ := newTrafficFixture(t)
	ro.pct = 100
	// Telemetry that would fail every forward gate must not stop a rollback.
	ro.errorRate = 0.5
	ro.rollbackSignal = true

	err := tc.Shift(context.Background(), ShiftBackward, 100, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, ro.RolloutPercentage(RolloutFlag))
}

func TestShiftPropagatesRolloutUpdateError(t *testing.T) {
	tc, ro, _, _ := newTrafficFixture(t)
	ro.failPcts[25] = true

	err := tc.Shift(context.Background(), ShiftForward, 0, nil)
	require.Error(t, err)
	assert.Equal(t, 10, ro.RolloutPercentage(RolloutFlag))
}

func TestShiftHonorsContextCancellation(t *testing.T) {
	tc, _, _, _ := newTrafficFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tc.Shift(ctx, ShiftForward, 0, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCollectMetricsMergesBothServices(t *testing.T) {
	tc, ro, legacy, replacement := newTrafficFixture(t)
	legacy.stats = realtime.Stats{ActiveConnections: 60, TotalMessages: 900, DroppedMessages: 9, TotalSubscriptions: 120}
	replacement.stats = realtime.Stats{ActiveConnections: 40, TotalMessages: 100, DroppedMessages: 1, TotalSubscriptions: 80}
	ro.errorRate = 0.004

	m := tc.CollectMetrics()
	assert.Equal(t, 100, m.ConnectionCount)
	assert.Equal(t, 200, m.SubscriptionCount)
	assert.InDelta(t, 0.01, m.MessageDropRate, 0.0001)
	assert.Equal(t, 0.004, m.ErrorRate)
}
