package gateway

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests from screens
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	baseCtx           context.Context
}

// NewWebSocketHandler creates a handler whose connections live until ctx is cancelled
func NewWebSocketHandler(ctx context.Context, cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		baseCtx:           ctx,
	}
}

// HandleScreenConnection upgrades the request. The screen identifies itself with its first message.
func (h *WebSocketHandler) HandleScreenConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.connectionManager.UpgradeConnection(h.baseCtx, w, r); err != nil {
		// the upgrader has already written an HTTP error
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/screen", h.HandleScreenConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
