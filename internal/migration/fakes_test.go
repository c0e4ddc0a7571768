package migration

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/nexastream/nexastream/internal/realtime"
)

// fakeService is an in-memory realtime.Service for orchestrator tests.
type fakeService struct {
	mu sync.Mutex

	name        string
	users       map[string][]string // user -> subscriptions
	conns       map[string]int
	stats       realtime.Stats
	healthy     bool
	detail      string
	initErr     error
	listErr     error
	subsErr     error
	subscribed  map[string][]string // user -> restored topics
	initialized bool
}

func newFakeService(name string) *fakeService {
	return &fakeService{
		name:       name,
		users:      make(map[string][]string),
		conns:      make(map[string]int),
		healthy:    true,
		subscribed: make(map[string][]string),
	}
}

func (f *fakeService) addUser(userID string, conns int, subs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[userID] = subs
	f.conns[userID] = conns
}

func (f *fakeService) setUsers(users map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = users
	for u := range users {
		if f.conns[u] == 0 {
			f.conns[u] = 1
		}
	}
}

func (f *fakeService) Initialize(mux *http.ServeMux) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return f.initErr
	}
	f.initialized = true
	return nil
}

func (f *fakeService) GetAllConnectedUsers() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	users := make([]string, 0, len(f.users))
	for u := range f.users {
		users = append(users, u)
	}
	return users, nil
}

func (f *fakeService) GetUserSubscriptions(userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subsErr != nil {
		return nil, f.subsErr
	}
	return append([]string(nil), f.users[userID]...), nil
}

func (f *fakeService) GetConnectionCount(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[userID]
}

func (f *fakeService) IsUserConnected(userID string) bool {
	return f.GetConnectionCount(userID) > 0
}

func (f *fakeService) GetStats() realtime.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeService) GetHealthStatus() realtime.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return realtime.HealthStatus{IsHealthy: f.healthy, Detail: f.detail}
}

func (f *fakeService) Subscribe(userID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conns[userID] == 0 {
		return errors.New("user not connected")
	}
	f.subscribed[userID] = append(f.subscribed[userID], topic)
	f.users[userID] = append(f.users[userID], topic)
	return nil
}

// fakeRollout is a controllable RolloutControl.
type fakeRollout struct {
	mu sync.Mutex

	enabled        map[string]bool
	pct            int
	history        []int
	failPcts       map[int]bool
	evalKeys       map[string]bool
	errorRate      float64
	errorRateByPct map[int]float64
	avgResponse    time.Duration
	rollbackSignal bool
	triggered      bool
	resets         int
	toggles        []bool
}

func newFakeRollout() *fakeRollout {
	return &fakeRollout{
		enabled:        make(map[string]bool),
		failPcts:       make(map[int]bool),
		evalKeys:       make(map[string]bool),
		errorRateByPct: make(map[int]float64),
	}
}

func (f *fakeRollout) IsEnabled(flag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[flag]
}

func (f *fakeRollout) ToggleFlag(flag string, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[flag] = enabled
	f.toggles = append(f.toggles, enabled)
}

func (f *fakeRollout) UpdateRolloutPercentage(flag string, pct int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPcts[pct] {
		return errors.New("simulated rollout update failure")
	}
	f.pct = pct
	f.history = append(f.history, pct)
	return nil
}

func (f *fakeRollout) RolloutPercentage(flag string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pct
}

func (f *fakeRollout) Evaluate(flag, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled[flag] {
		return false
	}
	if f.pct >= 100 {
		return true
	}
	return f.evalKeys[key]
}

func (f *fakeRollout) ShouldTriggerRollback(flag string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rollbackSignal
}

func (f *fakeRollout) TriggerRollback(flag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = true
	f.rollbackSignal = true
}

func (f *fakeRollout) GetStatisticalAnalysis(flag string) (float64, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rate, ok := f.errorRateByPct[f.pct]; ok {
		return rate, f.avgResponse
	}
	return f.errorRate, f.avgResponse
}

func (f *fakeRollout) ResetMetrics(flag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.rollbackSignal = false
}

func (f *fakeRollout) updates() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.history...)
}
