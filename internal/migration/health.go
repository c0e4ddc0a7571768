package migration

import (
	"fmt"
	"time"
)

// HealthValidator computes progressive pass/fail thresholds as a function
// of the current traffic-shift percentage and judges metric snapshots
// against them. All methods are pure; the validator never calls a service.
//
// Thresholds tighten as the percentage rises: the replacement path is
// trusted least at low volume and must reach near-parity at full cutover.
// Connection-loss tolerance moves the other way, since connections
// naturally hop between services during an active shift and a tight floor
// would produce false rollbacks.
type HealthValidator struct{}

// NewHealthValidator returns a validator.
func NewHealthValidator() *HealthValidator {
	return &HealthValidator{}
}

// ErrorThreshold returns the maximum acceptable error rate at pct.
func (v *HealthValidator) ErrorThreshold(pct int) float64 {
	switch {
	case pct <= 10:
		return 0.02
	case pct <= 25:
		return 0.015
	case pct <= 50:
		return 0.01
	default:
		return 0.005
	}
}

// ResponseTimeThreshold returns the maximum acceptable response time at pct.
func (v *HealthValidator) ResponseTimeThreshold(pct int) time.Duration {
	switch {
	case pct <= 10:
		return 800 * time.Millisecond
	case pct <= 25:
		return 600 * time.Millisecond
	case pct <= 50:
		return 500 * time.Millisecond
	default:
		return 400 * time.Millisecond
	}
}

// ConnectionLossThreshold returns the minimum fraction of baseline
// connections that must still be present at pct.
func (v *HealthValidator) ConnectionLossThreshold(pct int) float64 {
	switch {
	case pct <= 10:
		return 0.95
	case pct <= 25:
		return 0.90
	case pct <= 50:
		return 0.85
	default:
		return 0.80
	}
}

// MessageDropThreshold is the maximum acceptable message drop rate. It is
// constant regardless of traffic level: a tripwire, not a tunable.
func (v *HealthValidator) MessageDropThreshold() float64 {
	return 0.01
}

// Validate judges a metrics snapshot at the given traffic percentage
// against a pre-shift connection baseline. It returns whether the system
// is healthy and, when it is not, the reasons.
func (v *HealthValidator) Validate(m HealthMetrics, pct int, baselineConnections int) (bool, []string) {
	var reasons []string

	if max := v.ErrorThreshold(pct); m.ErrorRate > max {
		reasons = append(reasons, fmt.Sprintf("error rate %.4f exceeds %.4f at %d%%", m.ErrorRate, max, pct))
	}
	if max := v.ResponseTimeThreshold(pct); m.ResponseTime > max {
		reasons = append(reasons, fmt.Sprintf("response time %s exceeds %s at %d%%", m.ResponseTime, max, pct))
	}
	if baselineConnections > 0 {
		retention := float64(m.ConnectionCount) / float64(baselineConnections)
		if floor := v.ConnectionLossThreshold(pct); retention < floor {
			reasons = append(reasons, fmt.Sprintf("connection retention %.4f below %.4f at %d%%", retention, floor, pct))
		}
	}
	if max := v.MessageDropThreshold(); m.MessageDropRate > max {
		reasons = append(reasons, fmt.Sprintf("message drop rate %.4f exceeds %.4f", m.MessageDropRate, max))
	}

	return len(reasons) == 0, reasons
}
