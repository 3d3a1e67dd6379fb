package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/playperu/territory/internal/balance"
	"github.com/playperu/territory/internal/geo"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// Game is one active game's runtime: its live users, factories and shops.
type Game struct {
	id     string
	name   string
	deps   *Deps
	logger *slog.Logger

	users     *UserManager
	factories *FactoryManager
	shops     *ShopManager
}

func newGame(doc territory.Game, deps *Deps, policy SuccessorPolicy) *Game {
	g := &Game{
		id:     doc.ID,
		name:   doc.Name,
		deps:   deps,
		logger: deps.Logger.With("game", doc.ID),
	}
	g.users = newUserManager(g)
	g.factories = newFactoryManager(g)
	g.shops = newShopManager(g, policy)
	return g
}

func (g *Game) ID() string                 { return g.id }
func (g *Game) Name() string               { return g.name }
func (g *Game) Config() *balance.Table     { return g.deps.Table }
func (g *Game) Users() *UserManager        { return g.users }
func (g *Game) Factories() *FactoryManager { return g.factories }
func (g *Game) Shops() *ShopManager        { return g.shops }

// GetUser returns the live user, loading it if the user belongs to this game.
func (g *Game) GetUser(ctx context.Context, userID string) (*User, error) {
	return g.users.Get(ctx, userID)
}

// UserState returns the stored role record of a user in this game.
func (g *Game) UserState(ctx context.Context, userID string) (territory.UserState, error) {
	gu, err := g.gameUser(ctx, userID)
	if err != nil {
		return territory.UserState{}, err
	}
	return gu.UserState, nil
}

// CalculateFactoryCost prices a team's next factory.
func (g *Game) CalculateFactoryCost(ctx context.Context, teamID string) (int, error) {
	n, err := g.deps.Store.CountFactoriesForTeam(ctx, g.id, teamID)
	if err != nil {
		return 0, fmt.Errorf("counting factories of team %s: %w", teamID, err)
	}
	return g.deps.Table.FactoryCost(n), nil
}

// Load reads users and factories in parallel, then seeds shops.
func (g *Game) Load(ctx context.Context) error {
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error { return g.users.Load(ectx) })
	eg.Go(func() error { return g.factories.Load(ectx) })
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("loading game %s: %w", g.id, err)
	}
	if err := g.shops.Load(ctx); err != nil {
		return fmt.Errorf("loading shops of game %s: %w", g.id, err)
	}
	return nil
}

// Unload tears down every live entity. Timers that fire afterwards are no-ops.
func (g *Game) Unload() {
	g.shops.Unload()
	g.factories.Unload()
	g.users.Unload()
}

func (g *Game) ranges() Ranges {
	return Ranges{Detection: g.deps.Table.Factory.Range, Active: g.deps.Table.Factory.ActiveRange}
}

func (g *Game) send(to Sender, userID string, env packet.Envelope) {
	if to == nil {
		to = g.deps.Sender
	}
	to.Send(g.id, userID, env)
}

func (g *Game) gameUser(ctx context.Context, userID string) (territory.GameUser, error) {
	gu, err := g.deps.Store.GameUser(ctx, g.id, userID)
	if errors.Is(err, territory.ErrNotFound) {
		return gu, fmt.Errorf("%w: user %s is not part of game %s", territory.ErrInvalidReference, userID, g.id)
	}
	return gu, err
}

// viewerFrom merges a stored game record with the live location, refreshing
// the live user's cached team on the way.
func (g *Game) viewerFrom(gu territory.GameUser) *Viewer {
	v := &Viewer{UserID: gu.UserID, TeamID: gu.TeamID, State: gu.UserState}
	if u := g.users.Lookup(gu.UserID); u != nil {
		u.setTeamID(gu.TeamID)
		if pos, ok := u.Location(); ok {
			v.Position = pos.Coordinate
			v.HasRecent = pos.FreshAt(g.deps.Now(), g.deps.Table.LocationFreshness())
		}
	}
	return v
}

// viewer returns nil for users outside the game, which the visibility rules
// treat as seeing nothing.
func (g *Game) viewer(ctx context.Context, userID string) (*Viewer, error) {
	gu, err := g.deps.Store.GameUser(ctx, g.id, userID)
	if errors.Is(err, territory.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return g.viewerFrom(gu), nil
}

func (g *Game) viewers(ctx context.Context) (map[string]*Viewer, error) {
	gus, err := g.deps.Store.GameUsers(ctx, g.id)
	if err != nil {
		return nil, fmt.Errorf("loading users of game %s: %w", g.id, err)
	}
	vs := make(map[string]*Viewer, len(gus))
	for _, gu := range gus {
		vs[gu.UserID] = g.viewerFrom(gu)
	}
	return vs, nil
}

// GameData assembles the dashboard of one user.
func (g *Game) GameData(ctx context.Context, userID string) (packet.GameData, error) {
	var (
		gu   territory.GameUser
		docs []territory.Factory
		u    *User
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		gu, err = g.gameUser(ectx, userID)
		return err
	})
	eg.Go(func() (err error) {
		docs, err = g.deps.Store.FactoriesForGame(ectx, g.id)
		return err
	})
	eg.Go(func() (err error) {
		u, err = g.users.Get(ectx, userID)
		return err
	})
	if err := eg.Wait(); err != nil {
		return packet.GameData{}, fmt.Errorf("assembling game data for %s: %w", userID, err)
	}

	data := packet.GameData{
		Team:             gu.TeamID,
		Player:           gu.Player,
		Special:          gu.Special,
		Spectator:        gu.Spectator,
		Balance:          gu.Balance,
		Strength:         gu.Strength,
		In:               gu.In,
		Out:              gu.Out,
		StrengthUpgrades: g.deps.Table.StrengthUpgrades(gu.Strength),
		Shops:            []packet.ShopInfo{},
		Factories:        []packet.FactorySummary{},
	}

	if gu.TeamID != "" {
		eg, ectx = errgroup.WithContext(ctx)
		eg.Go(func() error {
			team, err := g.deps.Store.Team(ectx, gu.TeamID)
			data.TeamName = team.Name
			return err
		})
		eg.Go(func() (err error) {
			data.FactoryCost, err = g.CalculateFactoryCost(ectx, gu.TeamID)
			return err
		})
		if err := eg.Wait(); err != nil {
			return packet.GameData{}, fmt.Errorf("assembling game data for %s: %w", userID, err)
		}
	}

	v := g.viewerFrom(gu)
	for _, doc := range docs {
		f := g.factories.Lookup(doc.ID)
		if f == nil {
			continue
		}
		vis := f.evaluate(v, doc)
		if !vis.Visible {
			continue
		}
		data.Factories = append(data.Factories, packet.FactorySummary{
			Factory:   doc.ID,
			Name:      doc.Name,
			Ally:      vis.Ally,
			InRange:   vis.InRange,
			CanModify: vis.CanModify,
		})
	}

	for _, s := range g.shops.All() {
		own := s.Dealer().ID() == userID
		inRange := s.IsUserInRange(u)
		if !own && !inRange {
			continue
		}
		data.Shops = append(data.Shops, s.info(inRange, own))
	}
	return data, nil
}

// SendGameData pushes the dashboard to the user, or only to `to` when given.
func (g *Game) SendGameData(ctx context.Context, userID string, to Sender) (packet.GameData, error) {
	data, err := g.GameData(ctx, userID)
	if err != nil {
		return data, err
	}
	g.send(to, userID, packet.NewGameData(g.id, data))
	return data, nil
}

// UpdateLocation records a user's new position and pushes whatever changed
// for them: factory visibility transitions, the location snapshot and, when a
// shop came in or out of reach, the dashboard.
func (g *Game) UpdateLocation(ctx context.Context, userID string, c geo.Coordinate) error {
	u, err := g.users.Get(ctx, userID)
	if err != nil {
		return err
	}
	u.SetLocation(ctx, c)

	shopsChanged := false
	for _, s := range g.shops.All() {
		if s.UpdateRangeState(userID, s.IsUserInRange(u)) {
			shopsChanged = true
		}
	}

	if err := g.BroadcastLocations(ctx, userID, nil); err != nil {
		return err
	}
	if shopsChanged {
		if _, err := g.SendGameData(ctx, userID, nil); err != nil {
			return err
		}
	}
	return nil
}

// BroadcastLocations sends every live user (or just onlyUser) the users and
// factories they can currently see. Factory visibility transitions found on
// the way are pushed as factory data.
func (g *Game) BroadcastLocations(ctx context.Context, onlyUser string, to Sender) error {
	var (
		vs   map[string]*Viewer
		docs []territory.Factory
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		vs, err = g.viewers(ectx)
		return err
	})
	eg.Go(func() (err error) {
		docs, err = g.deps.Store.FactoriesForGame(ectx, g.id)
		return err
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("broadcasting locations: %w", err)
	}

	users := g.users.All()
	others := make([]OtherPlayer, 0, len(users))
	names := make(map[string]string, len(users))
	for _, u := range users {
		pos, ok := u.Location()
		if !ok {
			continue
		}
		others = append(others, OtherPlayer{
			UserID:   u.ID(),
			TeamID:   u.TeamID(),
			IsDealer: g.shops.Get(u.ID()) != nil,
			Position: pos.Coordinate,
			HasPos:   true,
		})
		names[u.ID()] = u.Name()
	}
	shopRange := g.deps.Table.Shop.Range
	rng := g.ranges()

	for _, u := range users {
		if onlyUser != "" && u.ID() != onlyUser {
			continue
		}
		v := vs[u.ID()]
		if v == nil {
			continue
		}

		update := packet.LocationsUpdatePayload{
			Game:      g.id,
			Users:     []packet.UserLocation{},
			Factories: []packet.FactoryLocation{},
		}
		for _, o := range others {
			if o.UserID == v.UserID || !PlayerVisibility(v, o, shopRange) {
				continue
			}
			update.Users = append(update.Users, packet.UserLocation{
				User:     o.UserID,
				UserName: names[o.UserID],
				Location: o.Position,
				IsShop:   o.IsDealer,
			})
		}

		for _, doc := range docs {
			f := g.factories.Lookup(doc.ID)
			if f == nil {
				continue
			}
			vis, _, err := f.observe(ctx, v, doc, to)
			if err != nil {
				g.logger.Error("pushing factory transition failed",
					"factory", doc.ID, "user", v.UserID, "error", err)
			}
			if !vis.Visible {
				continue
			}
			update.Factories = append(update.Factories, packet.FactoryLocation{
				Factory:  doc.ID,
				Ally:     vis.Ally,
				InRange:  vis.InRange,
				Name:     doc.Name,
				Location: doc.Location,
				Range:    EffectiveRange(rng, vis.InRange),
			})
		}
		sort.Slice(update.Users, func(i, j int) bool { return update.Users[i].User < update.Users[j].User })

		g.send(to, u.ID(), packet.NewLocations(update))
	}
	return nil
}

// BuyStrength buys the strength upgrade at index. cost and strength are what
// the client was shown and must still match the current offer.
func (g *Game) BuyStrength(ctx context.Context, userID string, index, cost, strength int) error {
	_, err := g.deps.Store.UpdateGameUser(ctx, g.id, userID, func(gu *territory.GameUser) error {
		if !gu.Player {
			return fmt.Errorf("%w: only players buy strength", territory.ErrNotAllowed)
		}
		offers := g.deps.Table.StrengthUpgrades(gu.Strength)
		if index < 0 || index >= len(offers) {
			return fmt.Errorf("%w: strength upgrade %d", territory.ErrInvalidValue, index)
		}
		offer := offers[index]
		if gu.Strength != strength || offer.Cost != cost {
			return territory.ErrPriceChanged
		}
		if gu.Balance < offer.Cost {
			return territory.ErrInsufficient
		}
		gu.Balance -= offer.Cost
		gu.Strength += offer.Amount
		return nil
	})
	if errors.Is(err, territory.ErrNotFound) {
		return fmt.Errorf("%w: user %s is not part of game %s", territory.ErrInvalidReference, userID, g.id)
	}
	return err
}

// sendTeamData pushes fresh dashboards to the live members of a team.
func (g *Game) sendTeamData(ctx context.Context, teamID string) error {
	var errs []error
	for _, u := range g.users.All() {
		if !SameTeam(u.TeamID(), teamID) {
			continue
		}
		if _, err := g.SendGameData(ctx, u.ID(), nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forgetViewer drops per-viewer memory when a user leaves the game.
func (g *Game) forgetViewer(userID string) {
	for _, f := range g.factories.All() {
		f.forget(userID)
	}
	for _, s := range g.shops.All() {
		s.forget(userID)
	}
}
