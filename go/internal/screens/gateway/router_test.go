package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/screensync/go/internal/screens/media"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
	"github.com/mcdev12/screensync/go/internal/screens/registry"
	"github.com/mcdev12/screensync/go/internal/screens/syncengine"
)

type recordingConn struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (c *recordingConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) types() []protocol.MessageType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.MessageType, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Type
	}
	return out
}

func (c *recordingConn) last() protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[len(c.msgs)-1]
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

var epoch = time.Date(2026, 10, 19, 22, 0, 0, 0, time.UTC)

type fixture struct {
	clock    *clockwork.FakeClock
	registry *registry.Registry
	engine   *syncengine.Engine
	router   *Router
}

func newFixture() *fixture {
	fc := clockwork.NewFakeClockAt(epoch)
	reg := registry.New(registry.DefaultConfig(), fc)
	engine := syncengine.New(syncengine.DefaultConfig(), media.NewStaticResolver(""),
		syncengine.WithClock(fc), syncengine.WithLiveness(reg))
	return &fixture{
		clock:    fc,
		registry: reg,
		engine:   engine,
		router:   NewRouter(reg, engine, 0.5),
	}
}

func (f *fixture) connect(t *testing.T, stableID, role string) (*Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	s := &Session{ConnID: "conn-" + stableID, Conn: conn}
	msg := protocol.MustMessage(protocol.TypeRegister, protocol.RegisterPayload{
		StableID:    stableID,
		DisplayName: "Screen " + stableID,
		Role:        role,
	})
	if err := f.router.HandleInbound(context.Background(), s, msg); err != nil {
		t.Fatalf("register %s: %v", stableID, err)
	}
	return s, conn
}

func (f *fixture) report(t *testing.T, s *Session, mediaURL string, videoTime float64) {
	t.Helper()
	msg := protocol.MustMessage(protocol.TypePositionReport, protocol.PositionReportPayload{
		MediaURL:  mediaURL,
		VideoTime: videoTime,
	})
	if err := f.router.HandleInbound(context.Background(), s, msg); err != nil {
		t.Fatalf("position report: %v", err)
	}
}

func equalTypes(got []protocol.MessageType, want ...protocol.MessageType) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestHandleInbound_RegisterFirst(t *testing.T) {
	f := newFixture()
	s := &Session{ConnID: "c1", Conn: &recordingConn{}}

	msg := protocol.MustMessage(protocol.TypeReady, protocol.ReadyPayload{MediaURL: "/media/a.mp4"})
	if err := f.router.HandleInbound(context.Background(), s, msg); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}

	bad := protocol.Message{Type: "rewind"}
	if err := f.router.HandleInbound(context.Background(), s, bad); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestRegister_WhileIdle(t *testing.T) {
	f := newFixture()
	s, conn := f.connect(t, "screen-1", "")

	if s.StableID != "screen-1" {
		t.Errorf("session stable id %q", s.StableID)
	}
	if got := conn.types(); !equalTypes(got, protocol.TypeDeviceRegistered) {
		t.Errorf("idle join should only confirm registration, got %v", got)
	}
	if !f.registry.IsOnline("screen-1") {
		t.Error("device should be online")
	}
	if _, ok := f.engine.GetClientBaseline("screen-1"); !ok {
		t.Error("engine should track the client")
	}
}

func TestRegister_WhilePlayingCatchesUp(t *testing.T) {
	f := newFixture()
	f.connect(t, "A", "")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}

	f.clock.Advance(10 * time.Second)
	_, conn := f.connect(t, "B", "")

	got := conn.types()
	if !equalTypes(got, protocol.TypeDeviceRegistered, protocol.TypeSyncPreload, protocol.TypeSyncPlay) {
		t.Fatalf("unexpected messages %v", got)
	}
	play, err := protocol.ParsePlay(conn.last())
	if err != nil {
		t.Fatal(err)
	}
	if play.TimeDomain != protocol.TimeDomainClient || play.VideoTime != 10 {
		t.Errorf("expected client-domain play at 10s, got %+v", play)
	}
}

func TestRegister_WhilePausedPreloadsOnly(t *testing.T) {
	f := newFixture()
	f.connect(t, "A", "")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	f.clock.Advance(4 * time.Second)
	if err := f.engine.SyncPause(); err != nil {
		t.Fatalf("pause: %v", err)
	}

	_, conn := f.connect(t, "B", "")
	if got := conn.types(); !equalTypes(got, protocol.TypeDeviceRegistered, protocol.TypeSyncPreload) {
		t.Errorf("paused join should preload only, got %v", got)
	}
}

func TestRegister_SessionCannotSwitchIdentity(t *testing.T) {
	f := newFixture()
	s, _ := f.connect(t, "A", "")

	msg := protocol.MustMessage(protocol.TypeRegister, protocol.RegisterPayload{StableID: "B"})
	if err := f.router.HandleInbound(context.Background(), s, msg); err == nil {
		t.Fatal("expected re-registration under another id to fail")
	}
	if _, ok := f.registry.GetDevice("B"); ok {
		t.Error("device B should not exist")
	}
}

func TestPositionReport_RealignsDriftedFollower(t *testing.T) {
	f := newFixture()
	f.connect(t, "A", "anchor")
	b, connB := f.connect(t, "B", "")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	connB.reset()

	// within threshold
	f.report(t, b, "/media/song.mp4", 5.3)
	if len(connB.types()) != 0 {
		t.Fatalf("small drift should not realign, got %v", connB.types())
	}

	// other media
	f.report(t, b, "/media/other.mp4", 60)
	if len(connB.types()) != 0 {
		t.Fatalf("report for other media should be ignored, got %v", connB.types())
	}

	f.report(t, b, "/media/song.mp4", 7)
	if got := connB.types(); !equalTypes(got, protocol.TypeSyncPlay) {
		t.Fatalf("expected one realign play, got %v", got)
	}
	play, _ := protocol.ParsePlay(connB.last())
	if play.TimeDomain != protocol.TimeDomainAbsolute || play.VideoTime != 5 {
		t.Errorf("expected absolute play at 5s, got %+v", play)
	}

	// second drift inside the cooldown is refused quietly
	connB.reset()
	f.clock.Advance(time.Second)
	f.report(t, b, "/media/song.mp4", 2)
	if len(connB.types()) != 0 {
		t.Errorf("realign inside cooldown should be skipped, got %v", connB.types())
	}
}

func TestPositionReport_AnchorNeverRealigned(t *testing.T) {
	f := newFixture()
	a, connA := f.connect(t, "A", "anchor")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	if f.engine.State().AnchorClientID != "A" {
		t.Fatalf("anchor role should claim the anchor slot")
	}
	f.clock.Advance(5 * time.Second)
	connA.reset()

	f.report(t, a, "/media/song.mp4", 12)
	if len(connA.types()) != 0 {
		t.Errorf("anchor should not be realigned, got %v", connA.types())
	}
}

func TestPositionReport_AccountsForBias(t *testing.T) {
	f := newFixture()
	b, connB := f.connect(t, "B", "")
	f.engine.AdjustBaselineBiasSec(1)
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	f.clock.Advance(5 * time.Second)
	connB.reset()

	// the screen was told to play at position+bias
	f.report(t, b, "/media/song.mp4", 6.1)
	if len(connB.types()) != 0 {
		t.Errorf("biased position should not count as drift, got %v", connB.types())
	}
}

func TestHeartbeatResponse_UpdatesRegistry(t *testing.T) {
	f := newFixture()
	s, _ := f.connect(t, "A", "")

	sent := f.clock.Now()
	f.clock.Advance(80 * time.Millisecond)
	msg := protocol.MustMessage(protocol.TypeHeartbeatResponse, protocol.HeartbeatResponsePayload{
		ServerTime: protocol.UnixMillis(sent),
		ClientTime: protocol.UnixMillis(sent.Add(40 * time.Millisecond)),
	})
	if err := f.router.HandleInbound(context.Background(), s, msg); err != nil {
		t.Fatal(err)
	}

	d, _ := f.registry.GetDevice("A")
	if d.RoundTrip != 80*time.Millisecond {
		t.Errorf("round trip %v", d.RoundTrip)
	}
	if d.ClockOffset != 0 {
		t.Errorf("clock offset %v", d.ClockOffset)
	}
}

func TestHandleClosed(t *testing.T) {
	f := newFixture()
	old, _ := f.connect(t, "A", "")

	// the screen reconnects before the old socket notices it is dead
	current, _ := f.connect(t, "A", "")
	f.router.HandleClosed(old)
	if !f.registry.IsOnline("A") {
		t.Fatal("closing a superseded connection must not take the device offline")
	}

	f.router.HandleClosed(current)
	if f.registry.IsOnline("A") {
		t.Error("closing the current connection should mark the device offline")
	}
	if _, ok := f.registry.GetDevice("A"); !ok {
		t.Error("device record should be kept after a soft disconnect")
	}

	// unregistered sessions are ignored
	f.router.HandleClosed(&Session{ConnID: "y", Conn: &recordingConn{}})
}

// stall makes B time out while A keeps reporting
func (f *fixture) stall(t *testing.T, a, b *Session) {
	t.Helper()
	f.clock.Advance(10 * time.Second)
	f.report(t, a, "/media/song.mp4", f.expected(t))
	f.clock.Advance(15 * time.Second)
	f.registry.Sweep()
	if f.registry.IsOnline(b.StableID) {
		t.Fatalf("%s should have timed out", b.StableID)
	}
	if !f.registry.IsOnline(a.StableID) {
		t.Fatalf("%s should still be online", a.StableID)
	}
}

func (f *fixture) expected(t *testing.T) float64 {
	t.Helper()
	sec, ok := f.engine.ExpectedVideoSec()
	if !ok {
		t.Fatal("nothing loaded")
	}
	return sec
}

func TestRevivedScreen_GetsMissedPause(t *testing.T) {
	f := newFixture()
	a, _ := f.connect(t, "A", "")
	b, connB := f.connect(t, "B", "")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	f.stall(t, a, b)

	if err := f.engine.SyncPause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	connB.reset()

	// B answers the heartbeat the sweep keeps sending it
	msg := protocol.MustMessage(protocol.TypeHeartbeatResponse, protocol.HeartbeatResponsePayload{
		ServerTime: protocol.UnixMillis(f.clock.Now()),
	})
	if err := f.router.HandleInbound(context.Background(), b, msg); err != nil {
		t.Fatal(err)
	}

	if !f.registry.IsOnline("B") {
		t.Fatal("B should be online again")
	}
	if got := connB.types(); !equalTypes(got, protocol.TypeSyncPreload, protocol.TypeSyncPause) {
		t.Errorf("revived screen should be held at the pause, got %v", got)
	}
}

func TestRevivedScreen_CatchesUpWhilePlaying(t *testing.T) {
	f := newFixture()
	a, _ := f.connect(t, "A", "")
	b, connB := f.connect(t, "B", "")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	f.stall(t, a, b)
	connB.reset()

	// a stale position report is the first sign of life
	f.report(t, b, "/media/song.mp4", 3)

	got := connB.types()
	if !equalTypes(got, protocol.TypeSyncPreload, protocol.TypeSyncPlay) {
		t.Fatalf("expected catch-up, got %v", got)
	}
	play, _ := protocol.ParsePlay(connB.last())
	if play.TimeDomain != protocol.TimeDomainClient || play.VideoTime != 25 {
		t.Errorf("expected client-domain play at 25s, got %+v", play)
	}
	if b, _ := f.engine.GetClientBaseline("B"); !b.LastCorrectionAt.IsZero() {
		t.Error("catch-up should not start the realign cooldown")
	}
}

func TestRevivedScreen_IdleGetsNothing(t *testing.T) {
	f := newFixture()
	b, connB := f.connect(t, "B", "")
	f.clock.Advance(25 * time.Second)
	f.registry.Sweep()
	connB.reset()

	msg := protocol.MustMessage(protocol.TypeReady, protocol.ReadyPayload{})
	if err := f.router.HandleInbound(context.Background(), b, msg); err != nil {
		t.Fatal(err)
	}
	if !f.registry.IsOnline("B") {
		t.Fatal("activity should revive B")
	}
	if len(connB.types()) != 0 {
		t.Errorf("idle revival should send nothing, got %v", connB.types())
	}
}

func TestTimedOutScreen_KeepsItsPlaceWhileReporting(t *testing.T) {
	f := newFixture()
	a, _ := f.connect(t, "A", "")
	b, _ := f.connect(t, "B", "")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	f.stall(t, a, b)

	for elapsed := time.Duration(0); elapsed < 11*time.Minute; elapsed += 5 * time.Second {
		f.clock.Advance(5 * time.Second)
		f.report(t, b, "/media/song.mp4", f.expected(t))
		f.registry.Sweep()
	}

	if !f.registry.IsOnline("B") {
		t.Error("reporting screen should be online")
	}
	if _, ok := f.engine.GetClientBaseline("B"); !ok {
		t.Error("reporting screen should still be in playback")
	}
}

func TestPositionReport_UsesClientClockOffset(t *testing.T) {
	f := newFixture()
	b, connB := f.connect(t, "B", "")
	if err := f.engine.SyncPlayVideo(context.Background(), "/media/song.mp4", 0); err != nil {
		t.Fatalf("play: %v", err)
	}
	f.clock.Advance(10 * time.Second)

	// client clock runs 2s ahead, 100ms round trip
	sent := f.clock.Now()
	f.clock.Advance(100 * time.Millisecond)
	hb := protocol.MustMessage(protocol.TypeHeartbeatResponse, protocol.HeartbeatResponsePayload{
		ServerTime: protocol.UnixMillis(sent),
		ClientTime: protocol.UnixMillis(sent.Add(2*time.Second + 50*time.Millisecond)),
	})
	if err := f.router.HandleInbound(context.Background(), b, hb); err != nil {
		t.Fatal(err)
	}

	readAt := f.clock.Now()
	readPos := f.expected(t)
	f.clock.Advance(time.Second)
	connB.reset()

	// on time when it was read, one second before it arrived
	msg := protocol.MustMessage(protocol.TypePositionReport, protocol.PositionReportPayload{
		MediaURL:   "/media/song.mp4",
		VideoTime:  readPos,
		ClientTime: protocol.UnixMillis(readAt.Add(2 * time.Second)),
	})
	if err := f.router.HandleInbound(context.Background(), b, msg); err != nil {
		t.Fatal(err)
	}
	if len(connB.types()) != 0 {
		t.Fatalf("delayed but accurate report should not realign, got %v", connB.types())
	}

	// the same position without a timestamp looks a second behind
	f.report(t, b, "/media/song.mp4", readPos)
	if got := connB.types(); !equalTypes(got, protocol.TypeSyncPlay) {
		t.Errorf("expected realign, got %v", got)
	}
}
