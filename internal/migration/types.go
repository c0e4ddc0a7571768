// Package migration implements the blue-green connection migration
// orchestrator that moves live websocket connections from the legacy
// realtime hub to its replacement with progressive health validation
// and automatic rollback.
package migration

import (
	"time"

	"github.com/nexastream/nexastream/internal/realtime"
)

// RolloutFlag is the feature flag gating the connection migration rollout.
const RolloutFlag = "realtime_connection_migration"

// checkpointCapacity bounds the checkpoint ring buffer per attempt.
const checkpointCapacity = 20

// backupsPerUser bounds the rolling connection-state backups kept per user.
const backupsPerUser = 5

// ServiceRole identifies which side of the blue-green pair a service plays.
type ServiceRole string

const (
	RoleLegacy      ServiceRole = "legacy"
	RoleReplacement ServiceRole = "replacement"
)

// Phase represents the current phase of a migration attempt.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhaseMigrating
	PhaseValidating
	PhaseCompleted
	PhaseFailed
	PhaseRolledBack
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreparing:
		return "preparing"
	case PhaseMigrating:
		return "migrating"
	case PhaseValidating:
		return "validating"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// ShiftDirection selects the traffic step sequence.
type ShiftDirection int

const (
	ShiftForward ShiftDirection = iota
	ShiftBackward
)

func (d ShiftDirection) String() string {
	if d == ShiftBackward {
		return "backward"
	}
	return "forward"
}

// ConnectionState is a per-user snapshot taken before the traffic shift
// begins. It lives for exactly one migration attempt and is never persisted.
type ConnectionState struct {
	UserID         string                 `json:"user_id"`
	ConnectionID   string                 `json:"connection_id"`
	Subscriptions  []string               `json:"subscriptions"`
	LastActivity   time.Time              `json:"last_activity"`
	ConnectionTime time.Time              `json:"connection_time"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// HealthMetrics is a point-in-time reading assembled from both connection
// services plus the rollout controller's own telemetry. Computed fresh on
// every evaluation, never stored long-term.
type HealthMetrics struct {
	ErrorRate         float64       `json:"error_rate"`
	ResponseTime      time.Duration `json:"response_time"`
	ConnectionCount   int           `json:"connection_count"`
	SubscriptionCount int           `json:"subscription_count"`
	MessageDropRate   float64       `json:"message_drop_rate"`
}

// Checkpoint is an immutable health snapshot recorded while migrating.
type Checkpoint struct {
	Timestamp         time.Time     `json:"timestamp"`
	Phase             Phase         `json:"phase"`
	TrafficPercentage int           `json:"traffic_percentage"`
	Metrics           HealthMetrics `json:"metrics"`
}

// Progress tracks one migration attempt end to end. A fresh instance is
// created for every attempt; errors are append-only and checkpoints are a
// bounded ring (oldest evicted past capacity).
type Progress struct {
	Phase                  Phase        `json:"phase"`
	StartTime              time.Time    `json:"start_time"`
	EndTime                *time.Time   `json:"end_time,omitempty"`
	TotalConnections       int          `json:"total_connections"`
	MigratedConnections    int          `json:"migrated_connections"`
	FailedMigrations       int          `json:"failed_migrations"`
	PreservedSubscriptions int          `json:"preserved_subscriptions"`
	Errors                 []string     `json:"errors"`
	Checkpoints            []Checkpoint `json:"checkpoints"`
}

// BlueGreenState captures which service owns traffic right now. Exactly one
// of active/standby is legacy and the other replacement at all times.
type BlueGreenState struct {
	ActiveService          ServiceRole `json:"active_service"`
	StandbyService         ServiceRole `json:"standby_service"`
	MigrationInProgress    bool        `json:"migration_in_progress"`
	TrafficSplitPercentage int         `json:"traffic_split_percentage"`
}

// PreservationReport summarizes subscription survival after the shift.
// Two independent gates are tracked: the aggregate subscription ratio and
// the fraction of users that lost nothing, since a loss concentrated in a
// few users is a different risk than the same loss spread across everyone.
type PreservationReport struct {
	OverallRate        float64 `json:"overall_rate"`
	UserRate           float64 `json:"user_rate"`
	UsersWithLoss      int     `json:"users_with_loss"`
	TotalUsers         int     `json:"total_users"`
	TotalSubscriptions int     `json:"total_subscriptions"`
	PreservedCount     int     `json:"preserved_count"`
}

// Config contains timing parameters for a migration attempt. Immutable
// after construction.
type Config struct {
	StepDelay          time.Duration `json:"step_delay" yaml:"step_delay"`
	ServiceReadyDelay  time.Duration `json:"service_ready_delay" yaml:"service_ready_delay"`
	DrainTimeout       time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	CheckpointInterval time.Duration `json:"checkpoint_interval" yaml:"checkpoint_interval"`
	OverallTimeout     time.Duration `json:"overall_timeout" yaml:"overall_timeout"`
	MaxRetryAttempts   int           `json:"max_retry_attempts" yaml:"max_retry_attempts"`
}

// DefaultConfig returns production pacing.
func DefaultConfig() Config {
	return Config{
		StepDelay:          30 * time.Second,
		ServiceReadyDelay:  5 * time.Second,
		DrainTimeout:       10 * time.Second,
		CheckpointInterval: 15 * time.Second,
		OverallTimeout:     15 * time.Minute,
		MaxRetryAttempts:   3,
	}
}

// TestingConfig returns the reduced-delay variant used for validation runs.
func TestingConfig() Config {
	return Config{
		StepDelay:          10 * time.Millisecond,
		ServiceReadyDelay:  time.Millisecond,
		DrainTimeout:       10 * time.Millisecond,
		CheckpointInterval: 20 * time.Millisecond,
		OverallTimeout:     10 * time.Second,
		MaxRetryAttempts:   3,
	}
}

// Status is the poll surface for operators; always reflects the true
// current phase regardless of any in-flight error handling.
type Status struct {
	Progress           *Progress      `json:"progress,omitempty"`
	BlueGreen          BlueGreenState `json:"blue_green"`
	CapturedStateCount int            `json:"captured_state_count"`
	IsHealthy          bool           `json:"is_healthy"`
}

// Metrics is the detailed observability surface combining rollout
// telemetry with both services' stats.
type Metrics struct {
	Rollout      RolloutAnalysis               `json:"rollout"`
	ServiceStats map[ServiceRole]realtime.Stats `json:"service_stats"`
	Progress     *Progress                     `json:"progress,omitempty"`
}

// RolloutAnalysis mirrors the rollout controller's statistical readout.
type RolloutAnalysis struct {
	ErrorRate           float64       `json:"error_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
}

// RolloutControl is the rollout/feature-flag collaborator the orchestrator
// drives. Implemented by internal/rollout.Manager.
type RolloutControl interface {
	IsEnabled(flag string) bool
	ToggleFlag(flag string, enabled bool)
	UpdateRolloutPercentage(flag string, pct int) error
	RolloutPercentage(flag string) int
	Evaluate(flag, key string) bool
	ShouldTriggerRollback(flag string) bool
	TriggerRollback(flag string)
	GetStatisticalAnalysis(flag string) (errorRate float64, avgResponseTime time.Duration)
	ResetMetrics(flag string)
}
