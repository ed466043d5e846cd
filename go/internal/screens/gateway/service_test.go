package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/screensync/go/internal/screens/media"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
	"github.com/mcdev12/screensync/go/internal/screens/registry"
	"github.com/mcdev12/screensync/go/internal/screens/syncengine"
)

type testServer struct {
	*httptest.Server
	registry *registry.Registry
	engine   *syncengine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg := registry.New(registry.DefaultConfig(), clockwork.NewRealClock())
	engine := syncengine.New(syncengine.DefaultConfig(), media.NewStaticResolver("http://media.local"),
		syncengine.WithLiveness(reg))
	svc := NewService(DefaultConfig(), reg, engine)

	mux := http.NewServeMux()
	svc.RegisterRoutes(ctx, mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(svc.connectionManager.CloseAll)

	return &testServer{Server: srv, registry: reg, engine: engine}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/screen"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (ts *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func writeMessage(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScreenSession_EndToEnd(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.post(t, "/api/playback/play", `{"mediaRef":"songs/a.mp4"}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("play without screens: status %d", resp.StatusCode)
	}

	ws := ts.dial(t)
	writeMessage(t, ws, protocol.MustMessage(protocol.TypeRegister, protocol.RegisterPayload{
		StableID:    "screen-1",
		DisplayName: "Stage left",
		Metadata:    protocol.Metadata{UserAgent: "test", Viewport: protocol.Viewport{Width: 1920, Height: 1080}},
	}))
	if msg := readMessage(t, ws); msg.Type != protocol.TypeDeviceRegistered {
		t.Fatalf("expected device_registered, got %s", msg.Type)
	}
	waitFor(t, "engine registration", func() bool {
		_, ok := ts.engine.GetClientBaseline("screen-1")
		return ok
	})

	resp := ts.post(t, "/api/playback/play", `{"mediaRef":"songs/a.mp4"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("play: status %d", resp.StatusCode)
	}
	var state PlaybackState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Status != syncengine.StatusPlaying || len(state.Participants) != 1 {
		t.Errorf("unexpected state %+v", state)
	}

	preload := readMessage(t, ws)
	if preload.Type != protocol.TypeSyncPreload {
		t.Fatalf("expected sync_preload, got %s", preload.Type)
	}
	p, _ := protocol.ParsePreload(preload)
	if !strings.HasSuffix(p.MediaURL, "songs/a.mp4") {
		t.Errorf("preload media url %q", p.MediaURL)
	}
	if msg := readMessage(t, ws); msg.Type != protocol.TypeSyncPlay {
		t.Fatalf("expected sync_play, got %s", msg.Type)
	}

	if resp := ts.get(t, "/api/clients/screen-1/baseline"); resp.StatusCode != http.StatusOK {
		t.Errorf("baseline: status %d", resp.StatusCode)
	}
	if resp := ts.get(t, "/api/clients/nobody/baseline"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown baseline: status %d", resp.StatusCode)
	}

	if resp := ts.post(t, "/api/playback/pause", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: status %d", resp.StatusCode)
	}
	if msg := readMessage(t, ws); msg.Type != protocol.TypeSyncPause {
		t.Fatalf("expected sync_pause, got %s", msg.Type)
	}
	if resp := ts.post(t, "/api/playback/pause", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("second pause: status %d", resp.StatusCode)
	}

	var devices []registry.Device
	if err := json.NewDecoder(ts.get(t, "/api/devices").Body).Decode(&devices); err != nil {
		t.Fatalf("decode devices: %v", err)
	}
	if len(devices) != 1 || devices[0].StableID != "screen-1" || !devices[0].IsOnline {
		t.Errorf("unexpected devices %+v", devices)
	}

	ws.Close()
	waitFor(t, "device to go offline", func() bool { return !ts.registry.IsOnline("screen-1") })
	if _, ok := ts.registry.GetDevice("screen-1"); !ok {
		t.Error("socket close should keep the device record")
	}
}

func TestScreenSession_RejectsMessagesBeforeRegister(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.dial(t)

	writeMessage(t, ws, protocol.MustMessage(protocol.TypeReady, protocol.ReadyPayload{}))
	msg := readMessage(t, ws)
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", msg.Type)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatal(err)
	}
	if msg := readMessage(t, ws); msg.Type != protocol.TypeError {
		t.Fatalf("expected error for malformed frame, got %s", msg.Type)
	}
}

func TestAPI_UnknownCommandAndBadPayload(t *testing.T) {
	ts := newTestServer(t)

	if resp := ts.post(t, "/api/playback/rewind", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown command: status %d", resp.StatusCode)
	}
	if resp := ts.post(t, "/api/playback/bias", `{"deltaSec":`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad payload: status %d", resp.StatusCode)
	}

	resp := ts.post(t, "/api/playback/bias", `{"deltaSec":0.25}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bias: status %d", resp.StatusCode)
	}
	if got := ts.engine.State().BaselineBiasSec; got != 0.25 {
		t.Errorf("bias %v", got)
	}
}

func TestService_PurgedDeviceLeavesPlayback(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	reg := registry.New(registry.Config{
		SweepInterval:     5 * time.Second,
		InactivityTimeout: 20 * time.Second,
		GraceWindow:       time.Minute,
	}, fc)
	engine := syncengine.New(syncengine.DefaultConfig(), media.NewStaticResolver(""), syncengine.WithClock(fc))
	svc := NewService(DefaultConfig(), reg, engine)

	s := &Session{ConnID: "c1", Conn: &recordingConn{}}
	register := protocol.MustMessage(protocol.TypeRegister, protocol.RegisterPayload{StableID: "A", Role: "anchor"})
	if err := svc.router.HandleInbound(context.Background(), s, register); err != nil {
		t.Fatal(err)
	}
	svc.router.HandleClosed(s)

	fc.Advance(30 * time.Second)
	reg.Sweep()
	if _, ok := engine.GetClientBaseline("A"); !ok {
		t.Fatal("client should stay in playback during the grace window")
	}

	fc.Advance(time.Minute)
	reg.Sweep()
	if _, ok := engine.GetClientBaseline("A"); ok {
		t.Error("purged device should be removed from playback")
	}
	if engine.State().AnchorClientID != "" {
		t.Error("purged anchor should free the anchor slot")
	}
}
