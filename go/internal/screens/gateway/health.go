package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/registry"
)

// Pinger is a dependency that can be pinged, such as a *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionReporter reports whether a long-lived client is connected, such as the bus publisher
type ConnectionReporter interface {
	Connected() bool
}

type HealthStatus struct {
	Healthy        bool     `json:"healthy"`
	SweepRunning   bool     `json:"sweep_running"`
	DevicesKnown   int      `json:"devices_known"`
	DevicesOnline  int      `json:"devices_online"`
	MediaLibraryUp *bool    `json:"media_library_connected,omitempty"`
	BusConnected   *bool    `json:"nats_connected,omitempty"`
	Errors         []string `json:"errors"`
}

// HealthChecker reports on the liveness sweep and the optional media library and bus
type HealthChecker struct {
	registry *registry.Registry
	db       Pinger
	bus      ConnectionReporter
}

// NewHealthChecker builds a checker. db and bus may be nil when those features are disabled.
func NewHealthChecker(reg *registry.Registry, db Pinger, bus ConnectionReporter) *HealthChecker {
	return &HealthChecker{registry: reg, db: db, bus: bus}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy: true,
		Errors:  []string{},
	}

	status.SweepRunning = h.registry.Running()
	if !status.SweepRunning {
		status.Healthy = false
		status.Errors = append(status.Errors, "device liveness sweep not running")
	}

	for _, d := range h.registry.GetDevices() {
		status.DevicesKnown++
		if d.IsOnline {
			status.DevicesOnline++
		}
	}

	if h.db != nil {
		up := true
		if err := h.db.Ping(ctx); err != nil {
			up = false
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("media library ping failed: %v", err))
		}
		status.MediaLibraryUp = &up
	}

	if h.bus != nil {
		connected := h.bus.Connected()
		if !connected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
		status.BusConnected = &connected
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}
