package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/bus"
	"github.com/mcdev12/screensync/go/internal/screens/registry"
	"github.com/mcdev12/screensync/go/internal/screens/syncengine"
)

const maxCommandBody = 64 << 10

// PlaybackState is the GET /api/playback/state response
type PlaybackState struct {
	Status           syncengine.PlaybackStatus `json:"status"`
	State            syncengine.SyncState      `json:"state"`
	ExpectedVideoSec *float64                  `json:"expectedVideoSec,omitempty"`
	Participants     []syncengine.Participant  `json:"participants"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// APIHandler serves the HTTP control surface used by the admin UI
type APIHandler struct {
	engine   *syncengine.Engine
	registry *registry.Registry
}

func NewAPIHandler(engine *syncengine.Engine, reg *registry.Registry) *APIHandler {
	return &APIHandler{engine: engine, registry: reg}
}

// HandleCommand handles POST /api/playback/{command} with the same payloads as the control bus
func (h *APIHandler) HandleCommand(w http.ResponseWriter, r *http.Request) {
	command := r.PathValue("command")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read body"})
		return
	}

	if err := bus.Dispatch(r.Context(), h.engine, command, body); err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("command", command).Msg("playback command failed")
		} else {
			log.Debug().Err(err).Str("command", command).Msg("playback command rejected")
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, h.playbackState())
}

// HandleGetState handles GET /api/playback/state
func (h *APIHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.playbackState())
}

// HandleGetDevices handles GET /api/devices
func (h *APIHandler) HandleGetDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.GetDevices())
}

// HandleGetBaseline handles GET /api/clients/{id}/baseline
func (h *APIHandler) HandleGetBaseline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	baseline, ok := h.engine.GetClientBaseline(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: syncengine.ErrNotRegistered.Error()})
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

func (h *APIHandler) playbackState() PlaybackState {
	state := h.engine.State()
	resp := PlaybackState{
		Status:       state.Status(),
		State:        state,
		Participants: h.engine.Participants(),
	}
	if sec, ok := h.engine.ExpectedVideoSec(); ok {
		resp.ExpectedVideoSec = &sec
	}
	return resp
}

func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/playback/{command}", h.HandleCommand)
	mux.HandleFunc("GET /api/playback/state", h.HandleGetState)
	mux.HandleFunc("GET /api/devices", h.HandleGetDevices)
	mux.HandleFunc("GET /api/clients/{id}/baseline", h.HandleGetBaseline)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, bus.ErrUnknownCommand), errors.Is(err, syncengine.ErrNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, syncengine.ErrInvalidMedia):
		return http.StatusBadRequest
	case errors.Is(err, syncengine.ErrInvalidState), errors.Is(err, syncengine.ErrNoClients),
		errors.Is(err, syncengine.ErrAnchorProtected):
		return http.StatusConflict
	case errors.Is(err, syncengine.ErrCooldownActive):
		return http.StatusTooManyRequests
	case errors.Is(err, bus.ErrInvalidPayload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
