// Package realtime provides the websocket connection services between
// which the migration orchestrator shifts traffic. Both the legacy and
// the replacement side are instances of the same Hub; callers only ever
// see the Service interface.
package realtime

import "net/http"

// Stats is the aggregate counter surface a connection service exposes.
type Stats struct {
	ActiveConnections  int   `json:"active_connections"`
	TotalMessages      int64 `json:"total_messages"`
	DroppedMessages    int64 `json:"dropped_messages"`
	TotalSubscriptions int   `json:"total_subscriptions"`
}

// HealthStatus reports whether a service is able to hold connections.
type HealthStatus struct {
	IsHealthy bool   `json:"is_healthy"`
	Detail    string `json:"detail"`
}

// Service is the read/control surface of a realtime connection service.
// The two blue-green sides are structurally identical behind this
// interface; the orchestrator never assumes anything beyond it.
type Service interface {
	// Initialize registers the service's websocket endpoint on the given
	// mux. It must be called before the service can accept connections.
	Initialize(mux *http.ServeMux) error

	GetAllConnectedUsers() ([]string, error)
	GetUserSubscriptions(userID string) ([]string, error)
	GetConnectionCount(userID string) int
	IsUserConnected(userID string) bool
	GetStats() Stats
	GetHealthStatus() HealthStatus

	// Subscribe registers a topic server-side for every live connection
	// the user has. Used for best-effort subscription restoration.
	Subscribe(userID, topic string) error
}
