// Package rollout implements the feature-flag and rollout-percentage
// store that gates the connection migration. Flag evaluation buckets
// users deterministically; request telemetry is kept in a TTL window so
// rollback decisions reflect only recent traffic.
package rollout

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Options tunes rollback sensitivity.
type Options struct {
	// Window is how long a request sample counts toward the error rate.
	Window time.Duration
	// RollbackErrorRate is the windowed error rate above which
	// ShouldTriggerRollback fires.
	RollbackErrorRate float64
	// MinSamples guards against deciding on too little traffic.
	MinSamples int
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		Window:            2 * time.Minute,
		RollbackErrorRate: 0.05,
		MinSamples:        20,
	}
}

type flagState struct {
	enabled        bool
	percentage     int
	manualRollback bool
}

// Manager is the process-wide rollout controller.
type Manager struct {
	logger *zap.Logger
	opts   Options

	mu    sync.RWMutex
	flags map[string]*flagState

	// Request samples live in a TTL cache; expiry implements the
	// sliding window without any manual pruning.
	samples *gocache.Cache
	seq     uint64 // atomic, uniquifies sample keys
}

type sample struct {
	duration time.Duration
	failed   bool
}

// NewManager creates a rollout manager.
func NewManager(logger *zap.Logger, opts Options) *Manager {
	if opts.Window <= 0 {
		opts = DefaultOptions()
	}
	return &Manager{
		logger:  logger,
		opts:    opts,
		flags:   make(map[string]*flagState),
		samples: gocache.New(opts.Window, opts.Window/2),
	}
}

func (m *Manager) state(flag string) *flagState {
	st, ok := m.flags[flag]
	if !ok {
		st = &flagState{}
		m.flags[flag] = st
	}
	return st
}

// IsEnabled reports whether the flag is switched on.
func (m *Manager) IsEnabled(flag string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.flags[flag]
	return ok && st.enabled
}

// ToggleFlag switches a flag on or off.
func (m *Manager) ToggleFlag(flag string, enabled bool) {
	m.mu.Lock()
	m.state(flag).enabled = enabled
	m.mu.Unlock()
	m.logger.Info("feature flag toggled",
		zap.String("flag", flag),
		zap.Bool("enabled", enabled))
}

// UpdateRolloutPercentage sets the traffic percentage for a flag.
func (m *Manager) UpdateRolloutPercentage(flag string, pct int) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("rollout: percentage %d out of range [0,100]", pct)
	}
	m.mu.Lock()
	m.state(flag).percentage = pct
	m.mu.Unlock()
	m.logger.Info("rollout percentage updated",
		zap.String("flag", flag),
		zap.Int("percentage", pct))
	return nil
}

// RolloutPercentage returns the flag's current traffic percentage.
func (m *Manager) RolloutPercentage(flag string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.flags[flag]; ok {
		return st.percentage
	}
	return 0
}

// Evaluate decides whether the given key (usually a user ID) falls into
// the flag's rollout bucket. Deterministic across calls.
func (m *Manager) Evaluate(flag, key string) bool {
	m.mu.RLock()
	st, ok := m.flags[flag]
	m.mu.RUnlock()
	if !ok || !st.enabled || st.percentage <= 0 {
		return false
	}
	if st.percentage >= 100 {
		return true
	}
	hasher := fnv.New32a()
	hasher.Write([]byte(flag))
	hasher.Write([]byte(key))
	return int(hasher.Sum32()%100) < st.percentage
}

// RecordRequest feeds one request outcome into the telemetry window.
func (m *Manager) RecordRequest(flag string, duration time.Duration, err error) {
	key := fmt.Sprintf("%s|%d", flag, atomic.AddUint64(&m.seq, 1))
	m.samples.SetDefault(key, sample{duration: duration, failed: err != nil})
}

// GetStatisticalAnalysis returns the windowed error rate and average
// response time for a flag.
func (m *Manager) GetStatisticalAnalysis(flag string) (float64, time.Duration) {
	prefix := flag + "|"
	var total, failed int
	var durSum time.Duration
	for key, item := range m.samples.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		s, ok := item.Object.(sample)
		if !ok {
			continue
		}
		total++
		durSum += s.duration
		if s.failed {
			failed++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), durSum / time.Duration(total)
}

// ShouldTriggerRollback reports whether the flag's telemetry, or a manual
// trigger, demands reverting the rollout.
func (m *Manager) ShouldTriggerRollback(flag string) bool {
	m.mu.RLock()
	st, ok := m.flags[flag]
	manual := ok && st.manualRollback
	m.mu.RUnlock()
	if manual {
		return true
	}

	prefix := flag + "|"
	var total, failed int
	for key, item := range m.samples.Items() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if s, ok := item.Object.(sample); ok {
			total++
			if s.failed {
				failed++
			}
		}
	}
	if total < m.opts.MinSamples {
		return false
	}
	return float64(failed)/float64(total) > m.opts.RollbackErrorRate
}

// TriggerRollback marks the flag for rollback; the orchestrator observes
// this on its next health evaluation.
func (m *Manager) TriggerRollback(flag string) {
	m.mu.Lock()
	m.state(flag).manualRollback = true
	m.mu.Unlock()
	m.logger.Warn("manual rollback triggered", zap.String("flag", flag))
}

// ResetMetrics clears the telemetry window and any manual rollback mark.
func (m *Manager) ResetMetrics(flag string) {
	m.mu.Lock()
	if st, ok := m.flags[flag]; ok {
		st.manualRollback = false
	}
	m.mu.Unlock()

	prefix := flag + "|"
	for key := range m.samples.Items() {
		if strings.HasPrefix(key, prefix) {
			m.samples.Delete(key)
		}
	}
}
