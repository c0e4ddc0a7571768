package realtime

import "net/http"

// EntryHandler serves the single public websocket endpoint. Each new
// connection is delegated to the hub chosen by pick, which decides the
// blue-green side for that user.
func EntryHandler(pick func(userID string) *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		pick(userID).ServeWS(w, r, userID)
	}
}
