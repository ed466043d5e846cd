// Package syncengine owns the shared playback timeline and is the only component that
// commands screen playback: broadcast play/pause/resume, individual catch-up for late joiners,
// and rate-limited drift correction of followers around a single anchor screen.
package syncengine

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/screensync/go/internal/screens/media"
	"github.com/mcdev12/screensync/go/internal/screens/protocol"
)

// Config holds tunable engine settings
type Config struct {
	// RealignCooldown is the minimum time between two drift corrections of the same client
	RealignCooldown time.Duration
	// InitialBiasSec seeds BaselineBiasSec
	InitialBiasSec float64
}

// DefaultConfig returns default engine settings
func DefaultConfig() Config {
	return Config{
		RealignCooldown: 3 * time.Second,
	}
}

// Liveness tells the engine which participants are reachable.
// The device registry satisfies it.
type Liveness interface {
	IsOnline(id string) bool
}

type Option func(*Engine)

// WithClock replaces the real clock, typically with a clockwork.FakeClock in tests
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLiveness makes broadcasts skip participants the source reports offline
func WithLiveness(l Liveness) Option {
	return func(e *Engine) { e.liveness = l }
}

type participant struct {
	id string

	// mu serializes commands to this participant and guards the fields below
	mu          sync.Mutex
	conn        protocol.Sender
	displayName string
	role        Role
	baseline    ClientBaseline
}

// Participant is a read-only view of a registered client
type Participant struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"displayName"`
	Role        Role           `json:"role"`
	IsAnchor    bool           `json:"isAnchor"`
	Baseline    ClientBaseline `json:"baseline"`
}

// Engine is the process-wide sync engine
type Engine struct {
	// mu guards state. Lock order: mu, then clientsMu, then a participant's mu.
	mu    sync.RWMutex
	state SyncState

	clients   map[string]*participant
	clientsMu sync.RWMutex

	observers   []func(StateChange)
	observersMu sync.RWMutex

	resolver media.Resolver
	liveness Liveness
	clock    clockwork.Clock
	config   Config
}

// New creates an engine in the idle state
func New(config Config, resolver media.Resolver, opts ...Option) *Engine {
	e := &Engine{
		state:    SyncState{BaselineBiasSec: config.InitialBiasSec},
		clients:  make(map[string]*participant),
		resolver: resolver,
		clock:    clockwork.NewRealClock(),
		config:   config,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Observe registers a callback for committed state changes. Callbacks run outside engine locks.
func (e *Engine) Observe(fn func(StateChange)) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *Engine) notify(kind ChangeKind, state SyncState, at time.Time) {
	e.observersMu.RLock()
	observers := e.observers
	e.observersMu.RUnlock()

	change := StateChange{Kind: kind, State: state, At: at}
	for _, fn := range observers {
		fn(change)
	}
}

// RegisterClient adds a participant or swaps the connection of an existing one.
// The existing baseline is kept on re-registration.
func (e *Engine) RegisterClient(id string, conn protocol.Sender, displayName string, role Role) error {
	if id == "" || conn == nil {
		return ErrInvalidClient
	}
	if role == "" {
		role = RoleScreen
	}
	now := e.clock.Now()

	e.mu.Lock()
	e.clientsMu.Lock()
	p, exists := e.clients[id]
	if !exists {
		p = &participant{id: id, baseline: ClientBaseline{UpdatedAt: now}}
		e.clients[id] = p
	}
	e.clientsMu.Unlock()

	p.mu.Lock()
	p.conn = conn
	p.displayName = displayName
	p.role = role
	p.mu.Unlock()

	claimedAnchor := false
	if role == RoleAnchor && e.state.AnchorClientID == "" {
		e.state.AnchorClientID = id
		claimedAnchor = true
	}
	snapshot := e.state.clone()
	e.mu.Unlock()

	log.Info().
		Str("client_id", id).
		Str("display_name", displayName).
		Str("role", string(role)).
		Bool("reregistered", exists).
		Msg("sync client registered")

	if claimedAnchor {
		log.Info().Str("client_id", id).Msg("anchor claimed on registration")
		e.notify(ChangeAnchorChanged, snapshot, now)
	}
	return nil
}

// RemoveClient discards a participant and its baseline. An anchor that leaves frees the slot.
func (e *Engine) RemoveClient(id string) bool {
	now := e.clock.Now()

	e.mu.Lock()
	e.clientsMu.Lock()
	_, exists := e.clients[id]
	delete(e.clients, id)
	e.clientsMu.Unlock()

	wasAnchor := exists && e.state.AnchorClientID == id
	if wasAnchor {
		e.state.AnchorClientID = ""
	}
	snapshot := e.state.clone()
	e.mu.Unlock()

	if exists {
		log.Info().Str("client_id", id).Bool("was_anchor", wasAnchor).Msg("sync client removed")
	}
	if wasAnchor {
		e.notify(ChangeAnchorChanged, snapshot, now)
	}
	return exists
}

// GetClientBaseline returns what the client was last told
func (e *Engine) GetClientBaseline(id string) (ClientBaseline, bool) {
	p := e.lookup(id)
	if p == nil {
		return ClientBaseline{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseline, true
}

// Participants lists registered clients ordered by id
func (e *Engine) Participants() []Participant {
	e.mu.RLock()
	anchor := e.state.AnchorClientID
	e.mu.RUnlock()

	targets := e.participantList()
	out := make([]Participant, 0, len(targets))
	for _, p := range targets {
		p.mu.Lock()
		out = append(out, Participant{
			ID:          p.id,
			DisplayName: p.displayName,
			Role:        p.role,
			IsAnchor:    p.id == anchor,
			Baseline:    p.baseline,
		})
		p.mu.Unlock()
	}
	return out
}

// State returns a copy of the shared sync state
func (e *Engine) State() SyncState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.clone()
}

// ExpectedVideoSec is where the shared timeline is right now, before bias.
// ok is false when nothing is loaded.
func (e *Engine) ExpectedVideoSec() (sec float64, ok bool) {
	now := e.clock.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.expectedLocked(now)
}

func (e *Engine) expectedLocked(now time.Time) (float64, bool) {
	v := e.state.CurrentVideo
	if v == nil {
		return 0, false
	}
	if !e.state.IsPlaying && v.PausedAtVideoSec != nil {
		return *v.PausedAtVideoSec, true
	}
	elapsed := secondsBetween(v.StartTime, now)
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, true
}

func (e *Engine) lookup(id string) *participant {
	e.clientsMu.RLock()
	defer e.clientsMu.RUnlock()
	return e.clients[id]
}

func (e *Engine) participantList() []*participant {
	e.clientsMu.RLock()
	list := make([]*participant, 0, len(e.clients))
	for _, p := range e.clients {
		list = append(list, p)
	}
	e.clientsMu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

func (e *Engine) clientCount() int {
	e.clientsMu.RLock()
	defer e.clientsMu.RUnlock()
	return len(e.clients)
}
