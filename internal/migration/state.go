package migration

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexastream/nexastream/internal/realtime"
	"go.uber.org/zap"
)

// restoreFloor is the per-user fraction of expected subscriptions below
// which best-effort restoration kicks in.
const restoreFloor = 0.5

// StateManager captures per-user connection snapshots before a migration
// and verifies subscription preservation against both services afterward.
// Captured state lives for exactly one attempt; Clear is called between
// attempts.
type StateManager struct {
	logger      *zap.Logger
	legacy      realtime.Service
	replacement realtime.Service

	mu      sync.RWMutex
	states  map[string]ConnectionState
	backups map[string][]ConnectionState // rolling, last backupsPerUser each
}

// NewStateManager creates a state manager over the blue-green pair.
func NewStateManager(logger *zap.Logger, legacy, replacement realtime.Service) *StateManager {
	return &StateManager{
		logger:      logger,
		legacy:      legacy,
		replacement: replacement,
		states:      make(map[string]ConnectionState),
		backups:     make(map[string][]ConnectionState),
	}
}

func (sm *StateManager) service(role ServiceRole) realtime.Service {
	if role == RoleReplacement {
		return sm.replacement
	}
	return sm.legacy
}

// CaptureStates snapshots every user with at least one live connection on
// the active service. It propagates any read error: a migration must not
// start from an unknown baseline.
func (sm *StateManager) CaptureStates(active ServiceRole) (int, error) {
	svc := sm.service(active)

	users, err := svc.GetAllConnectedUsers()
	if err != nil {
		return 0, fmt.Errorf("capture: listing connected users on %s: %w", active, err)
	}

	captured := make(map[string]ConnectionState, len(users))
	now := time.Now()
	for _, userID := range users {
		count := svc.GetConnectionCount(userID)
		if count < 1 {
			continue
		}
		subs, err := svc.GetUserSubscriptions(userID)
		if err != nil {
			return 0, fmt.Errorf("capture: reading subscriptions for %s on %s: %w", userID, active, err)
		}
		captured[userID] = ConnectionState{
			UserID:         userID,
			ConnectionID:   uuid.NewString(),
			Subscriptions:  subs,
			LastActivity:   now,
			ConnectionTime: now,
			Metadata: map[string]interface{}{
				"original_connection_count": count,
				"captured_from":             string(active),
			},
		}
	}

	sm.mu.Lock()
	sm.states = captured
	for userID, state := range captured {
		backups := append(sm.backups[userID], state)
		if len(backups) > backupsPerUser {
			backups = backups[len(backups)-backupsPerUser:]
		}
		sm.backups[userID] = backups
	}
	sm.mu.Unlock()

	sm.logger.Info("captured connection states",
		zap.String("active_service", string(active)),
		zap.Int("users", len(captured)))
	return len(captured), nil
}

// ValidatePreservation checks every captured user's subscriptions against
// both services, taking the larger count as actual since a user may be
// mid-transition and visible on either side. Users below half their
// expected count get a best-effort restoration attempt.
func (sm *StateManager) ValidatePreservation() (*PreservationReport, error) {
	sm.mu.RLock()
	states := make(map[string]ConnectionState, len(sm.states))
	for k, v := range sm.states {
		states[k] = v
	}
	sm.mu.RUnlock()

	report := &PreservationReport{TotalUsers: len(states)}
	if len(states) == 0 {
		report.OverallRate = 1
		report.UserRate = 1
		return report, nil
	}

	for userID, state := range states {
		expected := len(state.Subscriptions)
		report.TotalSubscriptions += expected
		if expected == 0 {
			continue
		}

		actual := sm.maxSubscriptionCount(userID)
		if actual < expected {
			report.UsersWithLoss++
		}
		preserved := actual
		if preserved > expected {
			preserved = expected
		}
		report.PreservedCount += preserved

		if float64(actual) < float64(expected)*restoreFloor {
			sm.restoreSubscriptions(state)
		}
	}

	if report.TotalSubscriptions > 0 {
		report.OverallRate = float64(report.PreservedCount) / float64(report.TotalSubscriptions)
	} else {
		report.OverallRate = 1
	}
	report.UserRate = float64(report.TotalUsers-report.UsersWithLoss) / float64(report.TotalUsers)

	sm.logger.Info("subscription preservation validated",
		zap.Float64("overall_rate", report.OverallRate),
		zap.Float64("user_rate", report.UserRate),
		zap.Int("users_with_loss", report.UsersWithLoss),
		zap.Int("total_users", report.TotalUsers))
	return report, nil
}

func (sm *StateManager) maxSubscriptionCount(userID string) int {
	count := 0
	for _, svc := range []realtime.Service{sm.legacy, sm.replacement} {
		subs, err := svc.GetUserSubscriptions(userID)
		if err != nil {
			sm.logger.Warn("subscription read failed during validation",
				zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if len(subs) > count {
			count = len(subs)
		}
	}
	return count
}

// restoreSubscriptions re-registers a user's captured topics on whichever
// service currently holds the user. Failures are logged, never propagated:
// the preservation gates, not restoration, decide the migration's fate.
func (sm *StateManager) restoreSubscriptions(state ConnectionState) {
	svc := sm.replacement
	if !svc.IsUserConnected(state.UserID) && sm.legacy.IsUserConnected(state.UserID) {
		svc = sm.legacy
	}
	restored := 0
	for _, topic := range state.Subscriptions {
		if err := svc.Subscribe(state.UserID, topic); err != nil {
			sm.logger.Warn("subscription restore failed",
				zap.String("user_id", state.UserID),
				zap.String("topic", topic),
				zap.Error(err))
			continue
		}
		restored++
	}
	sm.logger.Info("attempted subscription restoration",
		zap.String("user_id", state.UserID),
		zap.Int("restored", restored),
		zap.Int("expected", len(state.Subscriptions)))
}

// States returns a defensive copy of the captured snapshot.
func (sm *StateManager) States() map[string]ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make(map[string]ConnectionState, len(sm.states))
	for k, v := range sm.states {
		out[k] = v
	}
	return out
}

// Count returns how many users are captured.
func (sm *StateManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.states)
}

// Backups returns the rolling backups retained for a user, newest last.
func (sm *StateManager) Backups(userID string) []ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]ConnectionState, len(sm.backups[userID]))
	copy(out, sm.backups[userID])
	return out
}

// Clear discards the captured snapshot between attempts. Backups are kept.
func (sm *StateManager) Clear() {
	sm.mu.Lock()
	sm.states = make(map[string]ConnectionState)
	sm.mu.Unlock()
}
