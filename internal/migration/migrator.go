package migration

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nexastream/nexastream/internal/realtime"
	"go.uber.org/zap"
)

// Preservation acceptance gates applied after the forward shift.
const (
	overallPreservationGate = 0.85
	userPreservationGate    = 0.90
)

// rollbackFlight shares one in-flight rollback between concurrent callers:
// the second caller waits on done and adopts the first caller's outcome
// instead of starting a duplicate.
type rollbackFlight struct {
	done chan struct{}
	err  error
}

// Migrator orchestrates the blue-green cutover of live connections from
// the legacy service to the replacement. It owns all migration state —
// there are no package-level singletons, so independent migrators (one
// per process, many in tests) never interfere.
type Migrator struct {
	logger      *zap.Logger
	cfg         Config
	legacy      realtime.Service
	replacement realtime.Service
	rolloutCtl  RolloutControl
	validator   *HealthValidator
	stateMgr    *StateManager
	traffic     *TrafficController

	mu          sync.Mutex // guards blueGreen, progress, baseline, initialized, runCancel
	blueGreen   BlueGreenState
	progress    *Progress
	baseline    int
	initialized bool
	mux         *http.ServeMux
	runCancel   context.CancelFunc

	flightMu sync.Mutex
	flight   *rollbackFlight

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	checkpointWG sync.WaitGroup
}

// NewMigrator creates an orchestrator over the blue-green pair and the
// rollout controller. The legacy service starts active.
func NewMigrator(logger *zap.Logger, cfg Config, legacy, replacement realtime.Service, rolloutCtl RolloutControl) *Migrator {
	validator := NewHealthValidator()
	return &Migrator{
		logger:      logger,
		cfg:         cfg,
		legacy:      legacy,
		replacement: replacement,
		rolloutCtl:  rolloutCtl,
		validator:   validator,
		stateMgr:    NewStateManager(logger, legacy, replacement),
		traffic:     NewTrafficController(logger, cfg, rolloutCtl, validator, legacy, replacement),
		blueGreen: BlueGreenState{
			ActiveService:  RoleLegacy,
			StandbyService: RoleReplacement,
		},
		shutdownCh: make(chan struct{}),
	}
}

// Initialize registers the active (legacy) service on the given mux and
// retains it so the standby can be brought up during preparation.
func (m *Migrator) Initialize(mux *http.ServeMux) error {
	if err := m.legacy.Initialize(mux); err != nil {
		return fmt.Errorf("initializing legacy service: %w", err)
	}
	m.mu.Lock()
	m.mux = mux
	m.initialized = true
	m.mu.Unlock()
	m.logger.Info("connection migrator initialized")
	return nil
}

// StartMigration runs one full migration attempt: prepare the standby,
// capture state, shift traffic forward with health gating, validate
// subscription preservation, finalize. Any error in that chain is caught
// here exactly once, triggers a rollback, and is then re-thrown so the
// caller knows the attempt failed — rollback success never masks it.
func (m *Migrator) StartMigration(ctx context.Context) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.blueGreen.MigrationInProgress {
		m.mu.Unlock()
		return ErrMigrationInProgress
	}
	m.blueGreen.MigrationInProgress = true
	m.progress = &Progress{
		Phase:     PhasePreparing,
		StartTime: time.Now(),
	}
	m.mu.Unlock()

	attemptsTotal.Inc()
	phaseGauge.Set(float64(PhasePreparing))
	m.logger.Info("starting connection migration",
		zap.Duration("overall_timeout", m.cfg.OverallTimeout))

	// The overall timeout bounds the attempt; exceeding it is handled
	// exactly like a health-validation failure.
	runCtx, cancel := context.WithTimeout(ctx, m.cfg.OverallTimeout)
	defer cancel()
	m.mu.Lock()
	m.runCancel = cancel
	m.mu.Unlock()

	if err := m.run(runCtx); err != nil {
		m.appendError(err)
		m.logger.Error("migration failed, rolling back", zap.Error(err))
		// An externally triggered rollback cancels the run and resets the
		// state itself; only roll back here if that has not happened. The
		// failure may be the run context expiring, so the rollback gets a
		// fresh one.
		if m.IsMigrationInProgress() {
			if rbErr := m.RollbackMigration(context.Background()); rbErr != nil {
				m.appendError(rbErr)
			}
		}
		return err
	}
	return nil
}

func (m *Migrator) run(ctx context.Context) error {
	if err := m.prepareStandby(ctx); err != nil {
		return err
	}

	captured, err := m.stateMgr.CaptureStates(m.GetActiveService())
	if err != nil {
		return err
	}

	// Connection-loss checks during the shift compare against this
	// capture-time baseline rather than each step's own reading; the
	// baseline is stable, the per-step count is not.
	baseline := m.traffic.CollectMetrics().ConnectionCount
	m.mu.Lock()
	m.baseline = baseline
	m.progress.TotalConnections = baseline
	m.mu.Unlock()
	m.logger.Info("connection baseline captured",
		zap.Int("users", captured),
		zap.Int("connections", baseline))

	m.setPhase(PhaseMigrating)
	stopRecorder := m.startCheckpointRecorder()
	err = m.traffic.Shift(ctx, ShiftForward, baseline, m.onShiftProgress)
	stopRecorder()
	if err != nil {
		return err
	}

	m.setPhase(PhaseValidating)
	report, err := m.stateMgr.ValidatePreservation()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.progress.PreservedSubscriptions = report.PreservedCount
	m.progress.FailedMigrations = report.UsersWithLoss
	m.mu.Unlock()
	if report.OverallRate < overallPreservationGate {
		return fmt.Errorf("%w: overall rate %.4f below %.2f", ErrPreservationFailed, report.OverallRate, overallPreservationGate)
	}
	if report.UserRate < userPreservationGate {
		return fmt.Errorf("%w: user rate %.4f below %.2f", ErrPreservationFailed, report.UserRate, userPreservationGate)
	}

	m.finalize()
	return nil
}

// prepareStandby ensures the rollout flag is on and the replacement
// service is initialized and healthy before any traffic moves.
func (m *Migrator) prepareStandby(ctx context.Context) error {
	if !m.rolloutCtl.IsEnabled(RolloutFlag) {
		m.rolloutCtl.ToggleFlag(RolloutFlag, true)
	}

	m.mu.Lock()
	mux := m.mux
	m.mu.Unlock()
	if err := m.replacement.Initialize(mux); err != nil {
		return fmt.Errorf("initializing standby service: %w", err)
	}

	if err := sleepCtx(ctx, m.cfg.ServiceReadyDelay); err != nil {
		return fmt.Errorf("waiting for standby readiness: %w", err)
	}

	if health := m.replacement.GetHealthStatus(); !health.IsHealthy {
		return fmt.Errorf("%w: %s", ErrStandbyUnhealthy, health.Detail)
	}
	m.logger.Info("standby service prepared")
	return nil
}

// onShiftProgress runs after every stabilized traffic step, in both
// directions: it moves the split percentage and records a checkpoint.
func (m *Migrator) onShiftProgress(pct int, metrics HealthMetrics) {
	m.mu.Lock()
	m.blueGreen.TrafficSplitPercentage = pct
	if m.progress != nil && m.baseline > 0 {
		m.progress.MigratedConnections = m.baseline * pct / 100
	}
	m.appendCheckpointLocked(pct, metrics)
	m.mu.Unlock()
}

// startCheckpointRecorder runs a ticker that records checkpoints between
// traffic steps while the phase is migrating. It only appends to the
// bounded checkpoint ring, never touching migration-decision state.
func (m *Migrator) startCheckpointRecorder() (stop func()) {
	stopCh := make(chan struct{})
	m.checkpointWG.Add(1)
	go func() {
		defer m.checkpointWG.Done()
		ticker := time.NewTicker(m.cfg.CheckpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-m.shutdownCh:
				return
			case <-ticker.C:
				metrics := m.traffic.CollectMetrics()
				m.mu.Lock()
				if m.progress != nil && m.progress.Phase == PhaseMigrating {
					m.appendCheckpointLocked(m.blueGreen.TrafficSplitPercentage, metrics)
				}
				m.mu.Unlock()
			}
		}
	}()
	return func() { close(stopCh) }
}

// appendCheckpointLocked appends to the checkpoint ring, evicting the
// oldest entry past capacity. Callers hold m.mu.
func (m *Migrator) appendCheckpointLocked(pct int, metrics HealthMetrics) {
	if m.progress == nil {
		return
	}
	m.progress.Checkpoints = append(m.progress.Checkpoints, Checkpoint{
		Timestamp:         time.Now(),
		Phase:             m.progress.Phase,
		TrafficPercentage: pct,
		Metrics:           metrics,
	})
	if len(m.progress.Checkpoints) > checkpointCapacity {
		m.progress.Checkpoints = m.progress.Checkpoints[len(m.progress.Checkpoints)-checkpointCapacity:]
	}
	checkpointsTotal.Inc()
}

func (m *Migrator) finalize() {
	m.mu.Lock()
	m.blueGreen.ActiveService, m.blueGreen.StandbyService = m.blueGreen.StandbyService, m.blueGreen.ActiveService
	m.blueGreen.TrafficSplitPercentage = 100
	m.blueGreen.MigrationInProgress = false
	m.progress.Phase = PhaseCompleted
	m.progress.MigratedConnections = m.progress.TotalConnections
	now := time.Now()
	m.progress.EndTime = &now
	duration := now.Sub(m.progress.StartTime)
	m.mu.Unlock()

	m.stateMgr.Clear()
	phaseGauge.Set(float64(PhaseCompleted))
	trafficPercentageGauge.Set(100)
	m.logger.Info("migration completed",
		zap.String("active_service", string(RoleReplacement)),
		zap.Duration("duration", duration))
}

// RollbackMigration reverts traffic to the legacy service. Concurrent
// callers share a single rollback: the second waits for the first and
// returns its outcome. It never returns an error, because a failed
// graceful rollback escalates to the emergency path, which cannot fail.
func (m *Migrator) RollbackMigration(ctx context.Context) error {
	m.flightMu.Lock()
	if f := m.flight; f != nil {
		m.flightMu.Unlock()
		<-f.done
		return f.err
	}
	f := &rollbackFlight{done: make(chan struct{})}
	m.flight = f
	m.flightMu.Unlock()

	f.err = m.rollback(ctx)
	close(f.done)

	m.flightMu.Lock()
	m.flight = nil
	m.flightMu.Unlock()
	return f.err
}

func (m *Migrator) rollback(ctx context.Context) error {
	rollbacksTotal.Inc()
	m.logger.Warn("rolling back migration")

	m.mu.Lock()
	baseline := m.baseline
	runCancel := m.runCancel
	m.mu.Unlock()

	// A rollback invoked from outside the failing attempt must abort any
	// forward shift still in flight before reversing traffic.
	if runCancel != nil {
		runCancel()
	}

	if err := m.traffic.Shift(ctx, ShiftBackward, baseline, m.onShiftProgress); err != nil {
		m.appendError(fmt.Errorf("graceful rollback failed: %w", err))
		m.logger.Error("graceful rollback failed, escalating to emergency", zap.Error(err))
		m.emergencyRollback(PhaseRolledBack)
		return nil
	}

	m.rolloutCtl.ToggleFlag(RolloutFlag, false)
	m.resetToLegacy(PhaseRolledBack)
	m.logger.Info("rollback complete, traffic on legacy service")
	return nil
}

// emergencyRollback forces the system back to legacy with no further
// health checks: rollout percentage to zero, flag off, state reset, then
// only a short bounded drain wait. Safety over gracefulness; never fails.
func (m *Migrator) emergencyRollback(phase Phase) {
	emergencyRollbacksTotal.Inc()
	m.logger.Error("emergency rollback: forcing all traffic to legacy")

	if err := m.rolloutCtl.UpdateRolloutPercentage(RolloutFlag, 0); err != nil {
		m.logger.Error("emergency rollback: rollout reset failed", zap.Error(err))
	}
	m.rolloutCtl.ToggleFlag(RolloutFlag, false)
	m.resetToLegacy(phase)
	time.Sleep(m.cfg.DrainTimeout)
	m.logger.Info("emergency rollback complete")
}

// TriggerEmergencyRollback is the synchronous operator escape hatch: it
// bypasses the orchestration sequence entirely and forces legacy
// ownership, marking any in-flight attempt as failed.
func (m *Migrator) TriggerEmergencyRollback() {
	m.logger.Error("emergency rollback triggered externally")
	m.mu.Lock()
	if m.progress != nil && m.progress.Phase != PhaseCompleted {
		m.progress.Errors = append(m.progress.Errors, "emergency rollback triggered")
	}
	runCancel := m.runCancel
	m.mu.Unlock()
	if runCancel != nil {
		runCancel()
	}
	m.emergencyRollback(PhaseFailed)
}

// resetToLegacy restores the invariant blue-green layout and closes out
// the current attempt with the given terminal phase.
func (m *Migrator) resetToLegacy(phase Phase) {
	m.mu.Lock()
	m.blueGreen = BlueGreenState{
		ActiveService:          RoleLegacy,
		StandbyService:         RoleReplacement,
		MigrationInProgress:    false,
		TrafficSplitPercentage: 0,
	}
	if m.progress != nil && m.progress.Phase != PhaseCompleted {
		m.progress.Phase = phase
		now := time.Now()
		m.progress.EndTime = &now
	}
	m.mu.Unlock()

	m.stateMgr.Clear()
	phaseGauge.Set(float64(phase))
	trafficPercentageGauge.Set(0)
}

func (m *Migrator) setPhase(phase Phase) {
	m.mu.Lock()
	if m.progress != nil {
		m.progress.Phase = phase
	}
	m.mu.Unlock()
	phaseGauge.Set(float64(phase))
}

func (m *Migrator) appendError(err error) {
	m.mu.Lock()
	if m.progress != nil {
		m.progress.Errors = append(m.progress.Errors, err.Error())
	}
	m.mu.Unlock()
}

// snapshotProgressLocked deep-copies the progress so callers never see
// concurrent mutation. Callers hold m.mu.
func (m *Migrator) snapshotProgressLocked() *Progress {
	if m.progress == nil {
		return nil
	}
	p := *m.progress
	p.Errors = append([]string(nil), m.progress.Errors...)
	p.Checkpoints = append([]Checkpoint(nil), m.progress.Checkpoints...)
	return &p
}

// GetMigrationStatus reports the true current phase and health; callers
// should poll this rather than relying solely on StartMigration's error.
func (m *Migrator) GetMigrationStatus() Status {
	m.mu.Lock()
	status := Status{
		Progress:  m.snapshotProgressLocked(),
		BlueGreen: m.blueGreen,
	}
	inProgress := m.blueGreen.MigrationInProgress
	active := m.blueGreen.ActiveService
	m.mu.Unlock()

	status.CapturedStateCount = m.stateMgr.Count()

	activeHealthy := m.service(active).GetHealthStatus().IsHealthy
	if inProgress {
		standbyHealthy := m.service(otherRole(active)).GetHealthStatus().IsHealthy
		status.IsHealthy = activeHealthy && standbyHealthy && !m.rolloutCtl.ShouldTriggerRollback(RolloutFlag)
	} else {
		status.IsHealthy = activeHealthy
	}
	return status
}

// GetMigrationMetrics combines rollout telemetry, both services' stats
// and the current progress snapshot.
func (m *Migrator) GetMigrationMetrics() Metrics {
	errorRate, avgResponse := m.rolloutCtl.GetStatisticalAnalysis(RolloutFlag)

	m.mu.Lock()
	progress := m.snapshotProgressLocked()
	m.mu.Unlock()

	return Metrics{
		Rollout: RolloutAnalysis{
			ErrorRate:           errorRate,
			AverageResponseTime: avgResponse,
		},
		ServiceStats: map[ServiceRole]realtime.Stats{
			RoleLegacy:      m.legacy.GetStats(),
			RoleReplacement: m.replacement.GetStats(),
		},
		Progress: progress,
	}
}

// IsMigrationInProgress reports whether an attempt is active.
func (m *Migrator) IsMigrationInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blueGreen.MigrationInProgress
}

// GetActiveService returns which side currently owns traffic.
func (m *Migrator) GetActiveService() ServiceRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blueGreen.ActiveService
}

// RouteUser picks which side should accept a new connection for userID.
// Users inside the rollout bucket land on the replacement while the flag
// is enabled; everyone else stays on the active service. This is what
// makes the rollout percentage an actual traffic split.
func (m *Migrator) RouteUser(userID string) ServiceRole {
	if m.rolloutCtl.IsEnabled(RolloutFlag) && m.rolloutCtl.Evaluate(RolloutFlag, userID) {
		return RoleReplacement
	}
	return m.GetActiveService()
}

// StateManager exposes captured-state inspection to the ops surface.
func (m *Migrator) StateManager() *StateManager {
	return m.stateMgr
}

// Shutdown rolls back if a migration is mid-flight, then stops background
// work. Safe to call more than once.
func (m *Migrator) Shutdown(ctx context.Context) error {
	if m.IsMigrationInProgress() {
		m.logger.Warn("shutdown during active migration, rolling back")
		if err := m.RollbackMigration(ctx); err != nil {
			return err
		}
	}
	m.shutdownOnce.Do(func() { close(m.shutdownCh) })
	m.checkpointWG.Wait()
	m.logger.Info("connection migrator shut down")
	return nil
}

func (m *Migrator) service(role ServiceRole) realtime.Service {
	if role == RoleReplacement {
		return m.replacement
	}
	return m.legacy
}

func otherRole(role ServiceRole) ServiceRole {
	if role == RoleLegacy {
		return RoleReplacement
	}
	return RoleLegacy
}
