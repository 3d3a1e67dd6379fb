package live

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/playperu/territory/internal/balance"
	"github.com/playperu/territory/internal/geo"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// memStore is an in-memory Store. failFactory, failGameUser and failDelete
// make UpdateFactory, UpdateGameUser and DeleteFactory fail for the given ids.
type memStore struct {
	mu           sync.Mutex
	games        map[string]territory.Game
	users        map[string]territory.User
	teams        map[string]territory.Team
	gameUsers    map[string]territory.GameUser
	factories    map[string]territory.Factory
	failFactory  map[string]error
	failGameUser map[string]error
	failDelete   map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		games:        make(map[string]territory.Game),
		users:        make(map[string]territory.User),
		teams:        make(map[string]territory.Team),
		gameUsers:    make(map[string]territory.GameUser),
		factories:    make(map[string]territory.Factory),
		failFactory:  make(map[string]error),
		failGameUser: make(map[string]error),
		failDelete:   make(map[string]error),
	}
}

func guKey(gameID, userID string) string { return gameID + "/" + userID }

func (s *memStore) Game(_ context.Context, id string) (territory.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	if !ok {
		return g, fmt.Errorf("game %s: %w", id, territory.ErrNotFound)
	}
	return g, nil
}

func (s *memStore) User(_ context.Context, id string) (territory.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return u, fmt.Errorf("user %s: %w", id, territory.ErrNotFound)
	}
	return u, nil
}

func (s *memStore) Team(_ context.Context, id string) (territory.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teams[id]
	if !ok {
		return t, fmt.Errorf("team %s: %w", id, territory.ErrNotFound)
	}
	return t, nil
}

func (s *memStore) Teams(_ context.Context, gameID string) ([]territory.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []territory.Team
	for _, t := range s.teams {
		if t.GameID == gameID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GameUser(_ context.Context, gameID, userID string) (territory.GameUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failGameUser[userID]; err != nil {
		return territory.GameUser{}, err
	}
	gu, ok := s.gameUsers[guKey(gameID, userID)]
	if !ok {
		return gu, fmt.Errorf("game user %s: %w", userID, territory.ErrNotFound)
	}
	return gu, nil
}

func (s *memStore) GameUsers(_ context.Context, gameID string) ([]territory.GameUser, error) {
	return s.gameUsersWhere(func(gu territory.GameUser) bool { return gu.GameID == gameID }), nil
}

func (s *memStore) GameUsersForTeam(_ context.Context, gameID, teamID string) ([]territory.GameUser, error) {
	return s.gameUsersWhere(func(gu territory.GameUser) bool {
		return gu.GameID == gameID && gu.TeamID == teamID
	}), nil
}

func (s *memStore) gameUsersWhere(keep func(territory.GameUser) bool) []territory.GameUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []territory.GameUser
	for _, gu := range s.gameUsers {
		if keep(gu) {
			out = append(out, gu)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *memStore) UpdateGameUser(_ context.Context, gameID, userID string, fn func(*territory.GameUser) error) (territory.GameUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failGameUser[userID]; err != nil {
		return territory.GameUser{}, err
	}
	gu, ok := s.gameUsers[guKey(gameID, userID)]
	if !ok {
		return gu, fmt.Errorf("game user %s: %w", userID, territory.ErrNotFound)
	}
	if err := fn(&gu); err != nil {
		return territory.GameUser{}, err
	}
	if err := gu.Validate(); err != nil {
		return territory.GameUser{}, err
	}
	s.gameUsers[guKey(gameID, userID)] = gu
	return gu, nil
}

func (s *memStore) Factory(_ context.Context, id string) (territory.Factory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.factories[id]
	if !ok {
		return f, fmt.Errorf("factory %s: %w", id, territory.ErrNotFound)
	}
	return f, nil
}

func (s *memStore) FactoriesForGame(_ context.Context, gameID string) ([]territory.Factory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []territory.Factory
	for _, f := range s.factories {
		if f.GameID == gameID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CountFactoriesForTeam(_ context.Context, gameID, teamID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.factories {
		if f.GameID == gameID && f.TeamID == teamID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateFactory(_ context.Context, f territory.Factory) (territory.Factory, error) {
	if err := f.Validate(); err != nil {
		return f, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[f.ID] = f
	return f, nil
}

func (s *memStore) UpdateFactory(_ context.Context, id string, fn func(*territory.Factory) error) (territory.Factory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFactory[id]; err != nil {
		return territory.Factory{}, err
	}
	f, ok := s.factories[id]
	if !ok {
		return f, fmt.Errorf("factory %s: %w", id, territory.ErrNotFound)
	}
	if err := fn(&f); err != nil {
		return territory.Factory{}, err
	}
	if err := f.Validate(); err != nil {
		return territory.Factory{}, err
	}
	s.factories[id] = f
	return f, nil
}

func (s *memStore) DeleteFactory(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failDelete[id]; err != nil {
		return err
	}
	delete(s.factories, id)
	return nil
}

func (s *memStore) factory(t *testing.T, id string) territory.Factory {
	t.Helper()
	f, err := s.Factory(context.Background(), id)
	if err != nil {
		t.Fatalf("factory %s: %v", id, err)
	}
	return f
}

func (s *memStore) gameUser(t *testing.T, userID string) territory.GameUser {
	t.Helper()
	gu, err := s.GameUser(context.Background(), "g1", userID)
	if err != nil {
		t.Fatalf("game user %s: %v", userID, err)
	}
	return gu
}

func (s *memStore) setGameUser(gu territory.GameUser) {
	s.mu.Lock()
	s.gameUsers[guKey(gu.GameID, gu.UserID)] = gu
	s.mu.Unlock()
}

func (s *memStore) setFactory(f territory.Factory) {
	s.mu.Lock()
	s.factories[f.ID] = f
	s.mu.Unlock()
}

func (s *memStore) setStage(gameID string, stage territory.GameStage) {
	s.mu.Lock()
	g := s.games[gameID]
	g.Stage = stage
	s.games[gameID] = g
	s.mu.Unlock()
}

type sent struct {
	gameID string
	userID string
	env    packet.Envelope
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingSender) Send(gameID, userID string, env packet.Envelope) {
	r.mu.Lock()
	r.sent = append(r.sent, sent{gameID, userID, env})
	r.mu.Unlock()
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}

func (r *recordingSender) of(userID string, typ packet.Type) []packet.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []packet.Envelope
	for _, s := range r.sent {
		if s.userID == userID && s.env.Type == typ {
			out = append(out, s.env)
		}
	}
	return out
}

func (r *recordingSender) count(typ packet.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.env.Type == typ {
			n++
		}
	}
	return n
}

func (r *recordingSender) lastMessage(t *testing.T, userID string) packet.MessageResponse {
	t.Helper()
	envs := r.of(userID, packet.MessageResponseType)
	if len(envs) == 0 {
		t.Fatalf("no message response for %s", userID)
	}
	return envs[len(envs)-1].Data.(packet.MessageResponse)
}

// presence records open connections by game and user; set marks them in g1.
type presence struct {
	mu    sync.Mutex
	users map[string]bool
}

func (p *presence) Connected(gameID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.users[guKey(gameID, userID)]
}

func (p *presence) set(userID string, on bool) { p.setIn("g1", userID, on) }

func (p *presence) setIn(gameID, userID string, on bool) {
	p.mu.Lock()
	if p.users == nil {
		p.users = make(map[string]bool)
	}
	p.users[guKey(gameID, userID)] = on
	p.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testTable() *balance.Table {
	return &balance.Table{
		Factory: balance.FactoryTable{
			Range:           50,
			ActiveRange:     20,
			ProductionIn:    []int{20, 30},
			ProductionOut:   []int{10, 16},
			LevelCost:       []int{100, 200},
			BuildCost:       []int{100, 150},
			Defence:         []balance.Upgrade{{Amount: 5, Cost: 50}},
			DefenceCostStep: 10,
		},
		Shop: balance.ShopTable{
			Range:           30,
			LifetimeSeconds: 3600,
			AlertSeconds:    60,
			InSellPrice:     2,
			OutBuyPrice:     5,
		},
		Player: balance.PlayerTable{
			LocationFreshnessSeconds: 120,
			StartBalance:             200,
			Strength:                 []balance.Upgrade{{Amount: 1, Cost: 40}, {Amount: 3, Cost: 100}},
			StrengthCostStep:         10,
		},
	}
}

// origin is where factory f1 stands.
var origin = geo.Coordinate{Latitude: -12.0464, Longitude: -77.0428}

// metersPerDegree is the length of one degree of latitude on the haversine sphere.
const metersPerDegree = geo.EarthRadius * math.Pi / 180

func north(c geo.Coordinate, meters float64) geo.Coordinate {
	return geo.Coordinate{Latitude: c.Latitude + meters/metersPerDegree, Longitude: c.Longitude}
}

type env struct {
	store    *memStore
	sender   *recordingSender
	presence *presence
	clock    *clock
	table    *balance.Table
	opts     Options
	manager  *Manager
	game     *Game
}

type envOption func(*env)

func withTable(t *balance.Table) envOption { return func(e *env) { e.table = t } }

// withPresence tracks connections; only the given users start connected.
func withPresence(connected ...string) envOption {
	return func(e *env) {
		e.presence = &presence{}
		for _, id := range connected {
			e.presence.set(id, true)
		}
	}
}

func withOptions(o Options) envOption { return func(e *env) { e.opts = o } }

// newEnv loads game g1 with teams tA (a1, a2, a3) and tB (b1), spectator s1,
// and factory f1 of team A at origin holding in=50.
func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	e := &env{
		store:  newMemStore(),
		sender: &recordingSender{},
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		table:  testTable(),
	}
	for _, o := range opts {
		o(e)
	}

	s := e.store
	s.games["g1"] = territory.Game{ID: "g1", Name: "Lima", Stage: territory.GameStageActive}
	s.teams["tA"] = territory.Team{ID: "tA", GameID: "g1", Name: "Red"}
	s.teams["tB"] = territory.Team{ID: "tB", GameID: "g1", Name: "Blue"}
	for _, u := range []struct{ id, team string }{{"a1", "tA"}, {"a2", "tA"}, {"a3", "tA"}, {"b1", "tB"}} {
		s.users[u.id] = territory.User{ID: u.id, Name: "user " + u.id}
		s.setGameUser(territory.GameUser{
			GameID: "g1", UserID: u.id, TeamID: u.team,
			UserState: territory.UserState{Player: true},
			Balance:   200,
		})
	}
	s.users["s1"] = territory.User{ID: "s1", Name: "watcher"}
	s.setGameUser(territory.GameUser{GameID: "g1", UserID: "s1", UserState: territory.UserState{Spectator: true}})
	s.setFactory(territory.Factory{
		ID: "f1", GameID: "g1", TeamID: "tA", CreatorID: "a1", Name: "Mill",
		Level: 1, In: 50, Location: origin,
	})

	deps := Deps{
		Store:  s,
		Sender: e.sender,
		Table:  e.table,
		Now:    e.clock.Now,
	}
	if e.presence != nil {
		deps.Presence = e.presence
	}
	e.manager = NewManager(deps, e.opts)
	t.Cleanup(e.manager.Close)

	g, err := e.manager.Game(context.Background(), "g1")
	if err != nil {
		t.Fatalf("loading game: %v", err)
	}
	e.game = g
	e.sender.reset()
	return e
}

func (e *env) factory(t *testing.T, id string) *Factory {
	t.Helper()
	f, err := e.game.factories.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("factory %s: %v", id, err)
	}
	return f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *env) place(t *testing.T, userID string, c geo.Coordinate) {
	t.Helper()
	u, err := e.game.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("user %s: %v", userID, err)
	}
	u.SetLocation(context.Background(), c)
}
