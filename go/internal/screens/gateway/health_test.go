package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/screensync/go/internal/screens/protocol"
	"github.com/mcdev12/screensync/go/internal/screens/registry"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type busState bool

func (b busState) Connected() bool { return bool(b) }

func TestHealthChecker(t *testing.T) {
	reg := registry.New(registry.DefaultConfig(), clockwork.NewFakeClockAt(epoch))

	h := NewHealthChecker(reg, nil, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("stopped sweep should be unhealthy, got %d", rec.Code)
	}

	reg.Start(context.Background())
	defer reg.Stop()

	if _, err := reg.UpsertDevice("A", &recordingConn{}, protocol.Metadata{}); err != nil {
		t.Fatal(err)
	}

	status := NewHealthChecker(reg, pingerFunc(func(context.Context) error { return nil }), busState(true)).
		Check(context.Background())
	if !status.Healthy || status.DevicesOnline != 1 || status.DevicesKnown != 1 {
		t.Errorf("unexpected status %+v", status)
	}
	if status.MediaLibraryUp == nil || !*status.MediaLibraryUp || status.BusConnected == nil || !*status.BusConnected {
		t.Errorf("optional dependencies should be reported, got %+v", status)
	}

	status = NewHealthChecker(reg, pingerFunc(func(context.Context) error { return errors.New("refused") }), busState(false)).
		Check(context.Background())
	if status.Healthy || len(status.Errors) != 2 {
		t.Errorf("expected two failures, got %+v", status)
	}
}
