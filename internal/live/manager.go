package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

type Options struct {
	TickInterval     time.Duration
	LocationInterval time.Duration
	// DisconnectGrace is how long a user may be gone before their live
	// state is dropped.
	DisconnectGrace time.Duration
	SuccessorPolicy SuccessorPolicy
}

// Filter narrows a location broadcast. Empty fields match everything.
type Filter struct {
	Game string
	User string
}

// Manager is the registry of loaded games. It drives the production tick and
// the location broadcast and routes inbound packets to games.
type Manager struct {
	deps   *Deps
	opts   Options
	logger *slog.Logger
	group  singleflight.Group

	mu     sync.RWMutex
	games  map[string]*Game
	closed bool

	graceMu sync.Mutex
	grace   map[string]*time.Timer
}

func NewManager(deps Deps, opts Options) *Manager {
	deps.withDefaults()
	if opts.TickInterval <= 0 {
		opts.TickInterval = 10 * time.Second
	}
	if opts.LocationInterval <= 0 {
		opts.LocationInterval = 5 * time.Second
	}
	if opts.DisconnectGrace <= 0 {
		opts.DisconnectGrace = time.Minute
	}
	return &Manager{
		deps:   &deps,
		opts:   opts,
		logger: deps.Logger,
		games:  make(map[string]*Game),
		grace:  make(map[string]*time.Timer),
	}
}

func (m *Manager) lookup(id string) *Game {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.games[id]
}

// Game returns the loaded game, loading it on first use. It returns nil and
// no error when the game exists but is not active.
func (m *Manager) Game(ctx context.Context, id string) (*Game, error) {
	if g := m.lookup(id); g != nil {
		return g, nil
	}
	v, err, _ := m.group.Do(id, func() (any, error) {
		if g := m.lookup(id); g != nil {
			return g, nil
		}
		doc, err := m.deps.Store.Game(ctx, id)
		if errors.Is(err, territory.ErrNotFound) {
			return nil, fmt.Errorf("%w: game %s", territory.ErrInvalidReference, id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading game %s: %w", id, err)
		}
		if doc.Stage != territory.GameStageActive {
			return (*Game)(nil), nil
		}

		g := newGame(doc, m.deps, m.opts.SuccessorPolicy)
		if err := g.Load(ctx); err != nil {
			g.Unload()
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			g.Unload()
			return nil, territory.ErrUnloaded
		}
		m.games[id] = g
		m.logger.Info("game loaded", "game", id,
			"users", len(g.users.All()), "factories", len(g.factories.All()), "shops", len(g.shops.All()))
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Game), nil
}

// Games returns a snapshot of the loaded games ordered by id.
func (m *Manager) Games() []*Game {
	m.mu.RLock()
	out := make([]*Game, 0, len(m.games))
	for _, g := range m.games {
		out = append(out, g)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (m *Manager) Unload(id string) {
	m.mu.Lock()
	g := m.games[id]
	delete(m.games, id)
	m.mu.Unlock()
	if g != nil {
		g.Unload()
		m.logger.Info("game unloaded", "game", id)
	}
}

// Close unloads every game. Games requested afterwards fail with ErrUnloaded.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	games := m.games
	m.games = make(map[string]*Game)
	m.mu.Unlock()
	for _, g := range games {
		g.Unload()
	}

	m.graceMu.Lock()
	for k, t := range m.grace {
		t.Stop()
		delete(m.grace, k)
	}
	m.graceMu.Unlock()
}

// Tick runs one production cycle for every loaded factory. Games that are no
// longer active are unloaded instead. A failing factory is logged and skipped.
func (m *Manager) Tick(ctx context.Context) {
	for _, g := range m.Games() {
		doc, err := m.deps.Store.Game(ctx, g.id)
		if errors.Is(err, territory.ErrNotFound) || (err == nil && doc.Stage != territory.GameStageActive) {
			m.Unload(g.id)
			continue
		}
		if err != nil {
			m.logger.Error("checking game stage failed", "game", g.id, "error", err)
			continue
		}
		for _, f := range g.factories.All() {
			if _, err := f.Tick(ctx); err != nil {
				m.logger.Error("factory tick failed", "game", g.id, "factory", f.id, "error", err)
			}
		}
	}
}

// BroadcastLocationData pushes location snapshots to the matching users of the
// matching games. Failures are logged per game and the sweep continues.
func (m *Manager) BroadcastLocationData(ctx context.Context, filter Filter, to Sender) error {
	var errs []error
	for _, g := range m.Games() {
		if filter.Game != "" && g.id != filter.Game {
			continue
		}
		if err := g.BroadcastLocations(ctx, filter.User, to); err != nil {
			m.logger.Error("location broadcast failed", "game", g.id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) activeGame(ctx context.Context, id string) (*Game, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing game", packet.ErrMalformed)
	}
	g, err := m.Game(ctx, id)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: game %s is not active", territory.ErrNotAllowed, id)
	}
	return g, nil
}

// SendGameData assembles and pushes a user's dashboard.
func (m *Manager) SendGameData(ctx context.Context, gameID, userID string, to Sender) (packet.GameData, error) {
	g, err := m.activeGame(ctx, gameID)
	if err != nil {
		return packet.GameData{}, err
	}
	return g.SendGameData(ctx, userID, to)
}

// Run drives the tick and location loops until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	tick := time.NewTicker(m.opts.TickInterval)
	defer tick.Stop()
	locations := time.NewTicker(m.opts.LocationInterval)
	defer locations.Stop()

	m.logger.Info("game loops started", "tick", m.opts.TickInterval, "locations", m.opts.LocationInterval)
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-tick.C:
			m.Tick(ctx)
		case <-locations.C:
			_ = m.BroadcastLocationData(ctx, Filter{}, nil)
		}
	}
}

func graceKey(gameID, userID string) string { return gameID + "/" + userID }

// Connect binds a new connection of the user to the game: it opens a team shop
// if the team has none and sends the dashboard and locations to to only.
func (m *Manager) Connect(ctx context.Context, gameID, userID string, to Sender) error {
	m.graceMu.Lock()
	if t := m.grace[graceKey(gameID, userID)]; t != nil {
		t.Stop()
		delete(m.grace, graceKey(gameID, userID))
	}
	m.graceMu.Unlock()

	g, err := m.activeGame(ctx, gameID)
	if err != nil {
		return err
	}
	u, err := g.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := g.shops.EnsureTeamShop(ctx, u.TeamID()); err != nil {
		m.logger.Warn("opening team shop failed", "game", gameID, "team", u.TeamID(), "error", err)
	}
	if _, err := g.SendGameData(ctx, userID, to); err != nil {
		return err
	}
	return g.BroadcastLocations(ctx, userID, to)
}

// Disconnect drops the user's live state once they have been gone for the
// grace period. Reconnecting within the period cancels it.
func (m *Manager) Disconnect(gameID, userID string) {
	if p := m.deps.Presence; p != nil && p.Connected(gameID, userID) {
		return
	}
	key := graceKey(gameID, userID)
	m.graceMu.Lock()
	defer m.graceMu.Unlock()
	if t := m.grace[key]; t != nil {
		t.Stop()
	}
	m.grace[key] = time.AfterFunc(m.opts.DisconnectGrace, func() {
		m.graceMu.Lock()
		delete(m.grace, key)
		m.graceMu.Unlock()

		if p := m.deps.Presence; p != nil && p.Connected(gameID, userID) {
			return
		}
		g := m.lookup(gameID)
		if g == nil {
			return
		}
		g.users.Remove(userID)
		g.forgetViewer(userID)
		m.logger.Info("user left", "game", gameID, "user", userID)
	})
}
