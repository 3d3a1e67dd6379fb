package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/playperu/territory/internal/territory"
)

// loadConcurrency caps parallel store reads while bulk-loading a game.
const loadConcurrency = 8

// UserManager indexes the live users of one game.
type UserManager struct {
	game  *Game
	group singleflight.Group

	mu    sync.RWMutex
	users map[string]*User
}

func newUserManager(g *Game) *UserManager {
	return &UserManager{game: g, users: make(map[string]*User)}
}

// Lookup returns the live user without loading it.
func (m *UserManager) Lookup(id string) *User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.users[id]
}

// Get returns the live user, constructing it once for concurrent callers.
func (m *UserManager) Get(ctx context.Context, id string) (*User, error) {
	if u := m.Lookup(id); u != nil {
		return u, nil
	}
	v, err, _ := m.group.Do(id, func() (any, error) {
		if u := m.Lookup(id); u != nil {
			return u, nil
		}
		gu, err := m.game.gameUser(ctx, id)
		if err != nil {
			return nil, err
		}
		u, err := m.build(ctx, gu)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing := m.users[id]; existing != nil {
			return existing, nil
		}
		m.users[id] = u
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}

func (m *UserManager) build(ctx context.Context, gu territory.GameUser) (*User, error) {
	doc, err := m.game.deps.Store.User(ctx, gu.UserID)
	if errors.Is(err, territory.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %s", territory.ErrInvalidReference, gu.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading user %s: %w", gu.UserID, err)
	}
	u := newUser(m.game, doc.ID, doc.Name, gu.TeamID)

	pos, ok, err := m.game.deps.Cache.LoadLocation(ctx, m.game.id, doc.ID)
	if err != nil {
		m.game.logger.Warn("restoring cached location failed", "user", doc.ID, "error", err)
	} else if ok {
		u.restoreLocation(pos)
	}
	return u, nil
}

// Load replaces the live set with every user of the game.
func (m *UserManager) Load(ctx context.Context) error {
	gus, err := m.game.deps.Store.GameUsers(ctx, m.game.id)
	if err != nil {
		return fmt.Errorf("loading users: %w", err)
	}
	built := make([]*User, len(gus))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(loadConcurrency)
	for i, gu := range gus {
		i, gu := i, gu
		eg.Go(func() (err error) {
			built[i], err = m.build(ectx, gu)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	users := make(map[string]*User, len(built))
	for _, u := range built {
		users[u.ID()] = u
	}
	m.mu.Lock()
	m.users = users
	m.mu.Unlock()
	return nil
}

func (m *UserManager) Unload() {
	m.mu.Lock()
	clear(m.users)
	m.mu.Unlock()
}

func (m *UserManager) Remove(id string) {
	m.mu.Lock()
	delete(m.users, id)
	m.mu.Unlock()
}

// All returns a snapshot ordered by user id.
func (m *UserManager) All() []*User {
	m.mu.RLock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
