package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// timerBudget bounds the store work a shop timer callback may do.
const timerBudget = 10 * time.Second

// Shop is a dealer's black-market stall. Prices and range are fixed when the
// shop is loaded.
type Shop struct {
	dealer *User
	game   *Game

	token       string
	inSellPrice int
	outBuyPrice int
	rng         float64
	createdAt   time.Time
	expiresAt   time.Time

	mu        sync.Mutex
	closed    bool
	expiry    *time.Timer
	alert     *time.Timer
	successor string

	memMu   sync.Mutex
	inRange map[string]bool
}

func newShop(g *Game, dealer *User) *Shop {
	return &Shop{dealer: dealer, game: g, inRange: make(map[string]bool)}
}

// Load assigns the token, caches prices and arms the lifetime and alert timers.
func (s *Shop) Load() {
	t := s.game.deps.Table
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = uuid.NewString()
	s.inSellPrice = t.Shop.InSellPrice
	s.outBuyPrice = t.Shop.OutBuyPrice
	s.rng = t.Shop.Range
	s.createdAt = s.game.deps.Now()
	s.expiresAt = s.createdAt.Add(t.ShopLifetime())

	s.expiry = time.AfterFunc(t.ShopLifetime(), s.onExpire)
	s.alert = time.AfterFunc(t.ShopLifetime()-t.ShopAlertTime(), s.onAlert)
}

func (s *Shop) Dealer() *User { return s.dealer }

func (s *Shop) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Shop) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

// Successor is the teammate chosen at the alert point, if any.
func (s *Shop) Successor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successor
}

// Close cancels both timers. Callbacks already running see the shop closed
// and do nothing.
func (s *Shop) Close() {
	s.mu.Lock()
	s.closed = true
	if s.expiry != nil {
		s.expiry.Stop()
	}
	if s.alert != nil {
		s.alert.Stop()
	}
	s.mu.Unlock()

	s.memMu.Lock()
	clear(s.inRange)
	s.memMu.Unlock()
}

func (s *Shop) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// IsUserInRange reports whether u can trade here. The dealer always can.
func (s *Shop) IsUserInRange(u *User) bool {
	if u == nil {
		return false
	}
	dealerPos, ok := s.dealer.Location()
	return ShopVisibility(u.viewer(s.game.deps.Now()), s.dealer.ID(), dealerPos.Coordinate, ok, s.rng)
}

// UpdateRangeState remembers whether the viewer is in range and reports a flip.
func (s *Shop) UpdateRangeState(viewerID string, inRange bool) bool {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	if s.isClosed() {
		return false
	}
	prev := s.inRange[viewerID]
	s.inRange[viewerID] = inRange
	return prev != inRange
}

func (s *Shop) forget(viewerID string) {
	s.memMu.Lock()
	delete(s.inRange, viewerID)
	s.memMu.Unlock()
}

func (s *Shop) info(inRange, own bool) packet.ShopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := packet.ShopInfo{
		Dealer:      s.dealer.ID(),
		DealerName:  s.dealer.Name(),
		InSellPrice: s.inSellPrice,
		OutBuyPrice: s.outBuyPrice,
		Range:       s.rng,
		InRange:     inRange,
		Own:         own,
		ExpiresAt:   s.expiresAt,
	}
	if inRange || own {
		info.Token = s.token
	}
	return info
}

func (s *Shop) trade(ctx context.Context, userID string, amount int, fn func(*territory.GameUser) error) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d", territory.ErrInvalidValue, amount)
	}
	if s.isClosed() {
		return territory.ErrUnloaded
	}
	u, err := s.game.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	if !s.IsUserInRange(u) {
		return fmt.Errorf("%w: %s is out of range of %s's shop", territory.ErrNotAllowed, userID, s.dealer.ID())
	}
	_, err = s.game.deps.Store.UpdateGameUser(ctx, s.game.id, userID, func(gu *territory.GameUser) error {
		if !gu.Player {
			return fmt.Errorf("%w: only players trade", territory.ErrNotAllowed)
		}
		return fn(gu)
	})
	return err
}

// Buy sells amount input goods to the user at the shop's price.
func (s *Shop) Buy(ctx context.Context, userID string, amount int) error {
	return s.trade(ctx, userID, amount, func(gu *territory.GameUser) error {
		cost := amount * s.inSellPrice
		if gu.Balance < cost {
			return territory.ErrInsufficient
		}
		gu.Balance -= cost
		gu.In += amount
		return nil
	})
}

// Sell buys amount output goods from the user at the shop's price.
func (s *Shop) Sell(ctx context.Context, userID string, amount int) error {
	return s.trade(ctx, userID, amount, func(gu *territory.GameUser) error {
		if gu.Out < amount {
			return territory.ErrInsufficient
		}
		gu.Out -= amount
		gu.Balance += amount * s.outBuyPrice
		return nil
	})
}

func (s *Shop) notify(userID string, kind packet.ShopNoticeKind, successor string) {
	s.game.send(nil, userID, packet.NewShopNotice(packet.ShopNotice{
		Game:      s.game.id,
		Kind:      kind,
		Successor: successor,
		At:        s.ExpiresAt(),
	}))
}

func (s *Shop) onAlert() {
	if s.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerBudget)
	defer cancel()

	dealerID := s.dealer.ID()
	next, err := s.game.shops.FindNewShopUser(ctx, s.dealer.TeamID(), dealerID)
	if err != nil {
		s.game.logger.Error("finding shop successor failed", "user", dealerID, "error", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.successor = next
	s.mu.Unlock()

	if next == "" {
		s.notify(dealerID, packet.ShopLapsing, "")
		return
	}
	s.notify(dealerID, packet.ShopHandOff, next)
	s.notify(next, packet.ShopIncoming, next)
}

func (s *Shop) onExpire() {
	if s.isClosed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timerBudget)
	defer cancel()
	s.game.shops.expire(ctx, s)
}
