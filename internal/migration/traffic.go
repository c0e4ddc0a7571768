package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/nexastream/nexastream/internal/realtime"
	"go.uber.org/zap"
)

var (
	forwardSteps  = []int{10, 25, 50, 75, 100}
	backwardSteps = []int{75, 50, 25, 0}
)

// ProgressFunc is invoked after each completed traffic step.
type ProgressFunc func(pct int, metrics HealthMetrics)

// TrafficController drives the staged traffic shift between the two
// services. It is strictly sequential: no step begins before the previous
// step's health check passed.
type TrafficController struct {
	logger      *zap.Logger
	cfg         Config
	rollout     RolloutControl
	validator   *HealthValidator
	legacy      realtime.Service
	replacement realtime.Service
}

// NewTrafficController creates a controller over the blue-green pair.
func NewTrafficController(logger *zap.Logger, cfg Config, rollout RolloutControl, validator *HealthValidator, legacy, replacement realtime.Service) *TrafficController {
	return &TrafficController{
		logger:      logger,
		cfg:         cfg,
		rollout:     rollout,
		validator:   validator,
		legacy:      legacy,
		replacement: replacement,
	}
}

// Shift walks the step sequence for the given direction. Forward steps
// are [10,25,50,75,100]; backward steps are [75,50,25,0] — rollback moves
// in larger strides for faster recovery, with the stabilization delay
// halved. Backward steps at or above the current split are skipped, so a
// rollback never raises traffic to the failing service. Forward steps are
// health-gated against the connection baseline taken at capture time;
// backward steps are not, since they are already the remediation path.
func (tc *TrafficController) Shift(ctx context.Context, direction ShiftDirection, baseline int, onProgress ProgressFunc) error {
	steps := forwardSteps
	delay := tc.cfg.StepDelay
	if direction == ShiftBackward {
		steps = tc.stepsBelowCurrent()
		delay /= 2
	}

	for _, pct := range steps {
		if err := tc.rollout.UpdateRolloutPercentage(RolloutFlag, pct); err != nil {
			return fmt.Errorf("shift %s: updating rollout to %d%%: %w", direction, pct, err)
		}
		trafficPercentageGauge.Set(float64(pct))

		if err := sleepCtx(ctx, delay); err != nil {
			return fmt.Errorf("shift %s at %d%%: %w", direction, pct, err)
		}

		metrics := tc.CollectMetrics()
		if onProgress != nil {
			onProgress(pct, metrics)
		}

		tc.logger.Info("traffic step stabilized",
			zap.String("direction", direction.String()),
			zap.Int("percentage", pct),
			zap.Float64("error_rate", metrics.ErrorRate),
			zap.Duration("response_time", metrics.ResponseTime),
			zap.Int("connections", metrics.ConnectionCount))

		if direction != ShiftForward {
			continue
		}

		if healthy, reasons := tc.validator.Validate(metrics, pct, baseline); !healthy {
			return fmt.Errorf("%w at %d%%: %v", ErrHealthRegression, pct, reasons)
		}
		if tc.rollout.ShouldTriggerRollback(RolloutFlag) {
			return fmt.Errorf("%w at %d%%", ErrExternalRollback, pct)
		}
	}
	return nil
}

// stepsBelowCurrent returns the backward steps strictly below the current
// rollout percentage. A rollback from 0% has nothing to do.
func (tc *TrafficController) stepsBelowCurrent() []int {
	current := tc.rollout.RolloutPercentage(RolloutFlag)
	steps := make([]int, 0, len(backwardSteps))
	for _, pct := range backwardSteps {
		if pct < current {
			steps = append(steps, pct)
		}
	}
	return steps
}

// CollectMetrics assembles a fresh health snapshot from both services and
// the rollout controller's telemetry.
func (tc *TrafficController) CollectMetrics() HealthMetrics {
	errorRate, avgResponse := tc.rollout.GetStatisticalAnalysis(RolloutFlag)
	legacyStats := tc.legacy.GetStats()
	replacementStats := tc.replacement.GetStats()

	totalMessages := legacyStats.TotalMessages + replacementStats.TotalMessages
	dropped := legacyStats.DroppedMessages + replacementStats.DroppedMessages
	dropRate := 0.0
	if totalMessages > 0 {
		dropRate = float64(dropped) / float64(totalMessages)
	}

	return HealthMetrics{
		ErrorRate:         errorRate,
		ResponseTime:      avgResponse,
		ConnectionCount:   legacyStats.ActiveConnections + replacementStats.ActiveConnections,
		SubscriptionCount: legacyStats.TotalSubscriptions + replacementStats.TotalSubscriptions,
		MessageDropRate:   dropRate,
	}
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
