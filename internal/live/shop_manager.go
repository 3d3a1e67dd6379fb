package live

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// SuccessorPolicy picks the next dealer among eligible teammates, given in
// user id order. It returns "" to pick nobody.
type SuccessorPolicy func(candidates []territory.GameUser) string

// FirstEligible picks the first candidate.
func FirstEligible(candidates []territory.GameUser) string {
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].UserID
}

// ShopManager indexes the shops of one game by dealer.
type ShopManager struct {
	game   *Game
	policy SuccessorPolicy

	// ensureMu keeps concurrent EnsureTeamShop calls from opening two shops
	// for the same team.
	ensureMu sync.Mutex

	mu       sync.RWMutex
	shops    map[string]*Shop
	unloaded bool
}

func newShopManager(g *Game, policy SuccessorPolicy) *ShopManager {
	if policy == nil {
		policy = FirstEligible
	}
	return &ShopManager{game: g, policy: policy, shops: make(map[string]*Shop)}
}

// Get returns the shop run by the user, or nil.
func (m *ShopManager) Get(userID string) *Shop {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shops[userID]
}

func (m *ShopManager) ByToken(token string) *Shop {
	if token == "" {
		return nil
	}
	for _, s := range m.All() {
		if s.Token() == token {
			return s
		}
	}
	return nil
}

// All returns a snapshot ordered by dealer id.
func (m *ShopManager) All() []*Shop {
	m.mu.RLock()
	out := make([]*Shop, 0, len(m.shops))
	for _, s := range m.shops {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].dealer.ID() < out[j].dealer.ID() })
	return out
}

func (m *ShopManager) connected(userID string) bool {
	if p := m.game.deps.Presence; p != nil {
		return p.Connected(m.game.id, userID)
	}
	return m.game.users.Lookup(userID) != nil
}

// FindNewShopUser picks a connected player of the team, other than exclude,
// who is not already a dealer.
func (m *ShopManager) FindNewShopUser(ctx context.Context, teamID, exclude string) (string, error) {
	if teamID == "" {
		return "", nil
	}
	team, err := m.game.deps.Store.GameUsersForTeam(ctx, m.game.id, teamID)
	if err != nil {
		return "", fmt.Errorf("finding shop user in team %s: %w", teamID, err)
	}
	candidates := make([]territory.GameUser, 0, len(team))
	for _, gu := range team {
		if !gu.Player || gu.UserID == exclude || m.Get(gu.UserID) != nil || !m.connected(gu.UserID) {
			continue
		}
		candidates = append(candidates, gu)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].UserID < candidates[j].UserID })
	return m.policy(candidates), nil
}

// ScheduleUser makes the user a dealer with a fresh shop. A user who already
// deals keeps their shop.
func (m *ShopManager) ScheduleUser(ctx context.Context, userID string) (*Shop, error) {
	u, err := m.game.users.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.unloaded {
		m.mu.Unlock()
		return nil, territory.ErrUnloaded
	}
	if s := m.shops[userID]; s != nil {
		m.mu.Unlock()
		return s, nil
	}
	s := newShop(m.game, u)
	s.Load()
	m.shops[userID] = s
	m.mu.Unlock()

	m.game.logger.Info("shop opened", "user", userID, "team", u.TeamID(), "expires", s.ExpiresAt())
	s.notify(userID, packet.ShopPromotion, "")
	if _, err := m.game.SendGameData(ctx, userID, nil); err != nil {
		m.game.logger.Warn("sending game data to new dealer failed", "user", userID, "error", err)
	}
	return s, nil
}

// EnsureTeamShop opens a shop for the team when it has none and someone is
// eligible. It returns the team's shop, or nil.
func (m *ShopManager) EnsureTeamShop(ctx context.Context, teamID string) (*Shop, error) {
	if teamID == "" {
		return nil, nil
	}
	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()

	for _, s := range m.All() {
		if s.dealer.TeamID() == teamID {
			return s, nil
		}
	}
	userID, err := m.FindNewShopUser(ctx, teamID, "")
	if err != nil || userID == "" {
		return nil, err
	}
	return m.ScheduleUser(ctx, userID)
}

// Load closes any open shops and opens one per team.
func (m *ShopManager) Load(ctx context.Context) error {
	m.mu.Lock()
	old := m.shops
	m.shops = make(map[string]*Shop)
	m.unloaded = false
	m.mu.Unlock()
	for _, s := range old {
		s.Close()
	}

	teams, err := m.game.deps.Store.Teams(ctx, m.game.id)
	if err != nil {
		return fmt.Errorf("loading teams: %w", err)
	}
	var errs []error
	for _, t := range teams {
		if _, err := m.EnsureTeamShop(ctx, t.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *ShopManager) Unload() {
	m.mu.Lock()
	old := m.shops
	m.shops = make(map[string]*Shop)
	m.unloaded = true
	m.mu.Unlock()
	for _, s := range old {
		s.Close()
	}
}

// expire removes s and promotes the successor chosen at the alert point. If
// that successor is no longer eligible another teammate is tried.
func (m *ShopManager) expire(ctx context.Context, s *Shop) {
	dealerID := s.dealer.ID()
	m.mu.Lock()
	if m.shops[dealerID] == s {
		delete(m.shops, dealerID)
	}
	m.mu.Unlock()
	successor := s.Successor()
	s.Close()

	m.game.logger.Info("shop expired", "user", dealerID, "successor", successor)
	s.notify(dealerID, packet.ShopExpired, successor)
	if _, err := m.game.SendGameData(ctx, dealerID, nil); err != nil {
		m.game.logger.Warn("sending game data to former dealer failed", "user", dealerID, "error", err)
	}
	if successor == "" {
		return
	}

	m.ensureMu.Lock()
	defer m.ensureMu.Unlock()
	if m.Get(successor) != nil || !m.connected(successor) {
		next, err := m.FindNewShopUser(ctx, s.dealer.TeamID(), dealerID)
		if err != nil {
			m.game.logger.Error("finding shop successor failed", "user", dealerID, "error", err)
			return
		}
		successor = next
	}
	if successor == "" {
		return
	}
	if _, err := m.ScheduleUser(ctx, successor); err != nil && !errors.Is(err, territory.ErrUnloaded) {
		m.game.logger.Error("handing off shop failed", "from", dealerID, "to", successor, "error", err)
	}
}
