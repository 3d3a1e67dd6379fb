package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/playperu/territory/internal/territory"
)

const maxFactoryName = 40

// FactoryManager indexes the live factories of one game.
type FactoryManager struct {
	game  *Game
	group singleflight.Group

	// buildMu keeps a team's factory count stable between pricing and creating.
	buildMu sync.Mutex

	mu        sync.RWMutex
	factories map[string]*Factory
}

func newFactoryManager(g *Game) *FactoryManager {
	return &FactoryManager{game: g, factories: make(map[string]*Factory)}
}

func (m *FactoryManager) Lookup(id string) *Factory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.factories[id]
}

// Get returns the live factory, loading it if it is stored under this game.
func (m *FactoryManager) Get(ctx context.Context, id string) (*Factory, error) {
	if f := m.Lookup(id); f != nil {
		return f, nil
	}
	v, err, _ := m.group.Do(id, func() (any, error) {
		if f := m.Lookup(id); f != nil {
			return f, nil
		}
		doc, err := m.game.deps.Store.Factory(ctx, id)
		if errors.Is(err, territory.ErrNotFound) || (err == nil && doc.GameID != m.game.id) {
			return nil, fmt.Errorf("%w: factory %s is not part of game %s", territory.ErrInvalidReference, id, m.game.id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading factory %s: %w", id, err)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing := m.factories[id]; existing != nil {
			return existing, nil
		}
		f := newFactory(m.game, doc)
		m.factories[id] = f
		return f, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Factory), nil
}

// Load replaces the live set with every stored factory of the game.
func (m *FactoryManager) Load(ctx context.Context) error {
	docs, err := m.game.deps.Store.FactoriesForGame(ctx, m.game.id)
	if err != nil {
		return fmt.Errorf("loading factories: %w", err)
	}
	fresh := make(map[string]*Factory, len(docs))
	for _, doc := range docs {
		fresh[doc.ID] = newFactory(m.game, doc)
	}
	m.mu.Lock()
	old := m.factories
	m.factories = fresh
	m.mu.Unlock()
	for _, f := range old {
		f.unload()
	}
	return nil
}

func (m *FactoryManager) Unload() {
	m.mu.Lock()
	old := m.factories
	m.factories = make(map[string]*Factory)
	m.mu.Unlock()
	for _, f := range old {
		f.unload()
	}
}

func (m *FactoryManager) Remove(id string) {
	m.mu.Lock()
	delete(m.factories, id)
	m.mu.Unlock()
}

// All returns a snapshot ordered by factory id.
func (m *FactoryManager) All() []*Factory {
	m.mu.RLock()
	out := make([]*Factory, 0, len(m.factories))
	for _, f := range m.factories {
		out = append(out, f)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Build places a new level 1 factory at the player's current location and
// charges the team's next factory price.
func (m *FactoryManager) Build(ctx context.Context, userID, name string) (*Factory, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxFactoryName {
		return nil, fmt.Errorf("%w: factory name %q", territory.ErrInvalidValue, name)
	}
	g := m.game
	gu, err := g.gameUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !gu.Player || gu.TeamID == "" {
		return nil, fmt.Errorf("%w: %s cannot build", territory.ErrNotAllowed, userID)
	}
	u, err := g.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	pos, _ := u.Location()
	if !u.HasRecentLocation(g.deps.Now()) {
		return nil, fmt.Errorf("%w: %s has no recent location", territory.ErrNotAllowed, userID)
	}

	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	cost, err := g.CalculateFactoryCost(ctx, gu.TeamID)
	if err != nil {
		return nil, err
	}
	store := g.deps.Store
	if _, err := store.UpdateGameUser(ctx, g.id, userID, func(u *territory.GameUser) error {
		if u.Balance < cost {
			return territory.ErrInsufficient
		}
		u.Balance -= cost
		return nil
	}); err != nil {
		return nil, err
	}

	doc, err := store.CreateFactory(ctx, territory.Factory{
		ID:        uuid.NewString(),
		GameID:    g.id,
		TeamID:    gu.TeamID,
		CreatorID: userID,
		Name:      name,
		Level:     1,
		Location:  pos.Coordinate,
		CreatedAt: g.deps.Now(),
	})
	if err != nil {
		if _, rerr := store.UpdateGameUser(ctx, g.id, userID, func(u *territory.GameUser) error {
			u.Balance += cost
			return nil
		}); rerr != nil {
			g.logger.Error("refund failed", "user", userID, "cost", cost, "error", rerr)
		}
		return nil, fmt.Errorf("creating factory: %w", err)
	}

	f := newFactory(g, doc)
	m.mu.Lock()
	m.factories[f.id] = f
	m.mu.Unlock()
	g.logger.Info("factory built", "factory", f.id, "user", userID, "team", gu.TeamID, "cost", cost)
	return f, nil
}
