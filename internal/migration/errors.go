package migration

import "errors"

// Precondition errors fail fast with no state mutated.
var (
	// ErrMigrationInProgress is returned by StartMigration while another
	// attempt is still active.
	ErrMigrationInProgress = errors.New("migration: already in progress")
	// ErrNotInitialized is returned when the orchestrator is used before
	// Initialize registered the services.
	ErrNotInitialized = errors.New("migration: orchestrator not initialized")
	// ErrStandbyUnhealthy is returned when the standby service fails its
	// readiness check during preparation.
	ErrStandbyUnhealthy = errors.New("migration: standby service unhealthy")
)

// Regression errors are raised by components and caught once at the
// orchestrator, which always responds with a rollback.
var (
	// ErrHealthRegression marks a threshold breach at a traffic step.
	ErrHealthRegression = errors.New("migration: health validation failed")
	// ErrExternalRollback marks the rollout controller independently
	// signalling a rollback condition.
	ErrExternalRollback = errors.New("migration: external rollback signal")
	// ErrPreservationFailed marks insufficient subscription preservation
	// after the traffic shift completed.
	ErrPreservationFailed = errors.New("migration: subscription preservation below gate")
)
