package live

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/playperu/territory/internal/balance"
	"github.com/playperu/territory/internal/geo"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// sight is everything a visibility result depends on besides memory.
type sight struct {
	position geo.Coordinate
	recent   bool
	teamID   string
	state    territory.UserState
	target   geo.Coordinate
}

// memo is what a viewer was last told about a factory and what it was
// computed from.
type memo struct {
	from sight
	vis  Visibility
}

// Factory is a loaded factory. Its team never changes, so it is cached; every
// other attribute is read from the store when needed.
type Factory struct {
	id     string
	teamID string
	game   *Game

	// mu serializes ticks, player actions and destruction of this factory.
	mu       sync.Mutex
	unloaded atomic.Bool

	memMu  sync.Mutex
	memory map[string]memo
}

func newFactory(g *Game, doc territory.Factory) *Factory {
	return &Factory{
		id:     doc.ID,
		teamID: doc.TeamID,
		game:   g,
		memory: make(map[string]memo),
	}
}

func (f *Factory) ID() string     { return f.id }
func (f *Factory) TeamID() string { return f.teamID }

func (f *Factory) ProductionIn(level int) int  { return f.game.deps.Table.ProductionIn(level) }
func (f *Factory) ProductionOut(level int) int { return f.game.deps.Table.ProductionOut(level) }
func (f *Factory) NextLevelCost(level int) int { return f.game.deps.Table.LevelCost(level) }

func (f *Factory) DefenceUpgrades(defence int) []balance.Upgrade {
	return f.game.deps.Table.DefenceUpgrades(defence)
}

func (f *Factory) maxLevel() int { return len(f.game.deps.Table.Factory.ProductionIn) }

func (f *Factory) unload() {
	f.unloaded.Store(true)
	f.memMu.Lock()
	clear(f.memory)
	f.memMu.Unlock()
}

func (f *Factory) recall(viewerID string) (memo, bool) {
	f.memMu.Lock()
	defer f.memMu.Unlock()
	m, ok := f.memory[viewerID]
	return m, ok
}

// remember stores the result and reports whether the visible or in-range flag
// differs from what the viewer was last told. A viewer with no memory always
// counts as changed.
func (f *Factory) remember(viewerID string, m memo) bool {
	f.memMu.Lock()
	defer f.memMu.Unlock()
	if f.unloaded.Load() {
		return false
	}
	prev, ok := f.memory[viewerID]
	f.memory[viewerID] = m
	return !ok || prev.vis.Visible != m.vis.Visible || prev.vis.InRange != m.vis.InRange
}

func (f *Factory) forget(viewerID string) {
	f.memMu.Lock()
	delete(f.memory, viewerID)
	f.memMu.Unlock()
}

func sightOf(v *Viewer, doc territory.Factory) sight {
	return sight{position: v.Position, recent: v.HasRecent, teamID: v.TeamID, state: v.State, target: doc.Location}
}

// evaluate computes visibility against the remembered range state without
// updating it. While nothing it depends on has changed the remembered result
// stands, so range hysteresis only moves when the world does.
func (f *Factory) evaluate(v *Viewer, doc territory.Factory) Visibility {
	if v == nil {
		return Visibility{}
	}
	m, ok := f.recall(v.UserID)
	if ok && m.from == sightOf(v, doc) {
		return m.vis
	}
	return FactoryVisibility(v, FactoryTarget{TeamID: f.teamID, Location: doc.Location}, f.game.ranges(), m.vis.InRange)
}

// observe evaluates, remembers and pushes fresh data when the viewer's
// visible/in-range pair changed.
func (f *Factory) observe(ctx context.Context, v *Viewer, doc territory.Factory, to Sender) (Visibility, bool, error) {
	vis := f.evaluate(v, doc)
	if v == nil {
		return vis, false, nil
	}
	if !f.remember(v.UserID, memo{from: sightOf(v, doc), vis: vis}) {
		return vis, false, nil
	}
	data, err := f.dataFor(ctx, vis, doc)
	if err != nil {
		return vis, false, err
	}
	f.game.send(to, v.UserID, packet.NewFactoryData(f.game.id, f.id, data))
	return vis, true, nil
}

// UpdateVisibilityState re-evaluates the factory for one viewer and pushes a
// snapshot only when their visible or in-range flag flipped.
func (f *Factory) UpdateVisibilityState(ctx context.Context, viewerID string) (bool, error) {
	if f.unloaded.Load() {
		return false, territory.ErrUnloaded
	}
	v, doc, err := f.load(ctx, viewerID)
	if err != nil {
		return false, err
	}
	_, changed, err := f.observe(ctx, v, doc, nil)
	return changed, err
}

// IsVisibleFor reports whether the viewer currently sees the factory.
func (f *Factory) IsVisibleFor(ctx context.Context, viewerID string) (bool, error) {
	v, doc, err := f.load(ctx, viewerID)
	if err != nil {
		return false, err
	}
	return f.evaluate(v, doc).Visible, nil
}

func (f *Factory) load(ctx context.Context, viewerID string) (*Viewer, territory.Factory, error) {
	var (
		v   *Viewer
		doc territory.Factory
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		v, err = f.game.viewer(ectx, viewerID)
		return err
	})
	eg.Go(func() (err error) {
		doc, err = f.game.deps.Store.Factory(ectx, f.id)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, doc, fmt.Errorf("loading factory %s for %s: %w", f.id, viewerID, err)
	}
	return v, doc, nil
}

// SendData sends the viewer's snapshot of the factory, or only visible:false
// when the viewer cannot see it.
func (f *Factory) SendData(ctx context.Context, viewerID string, to Sender) (packet.FactoryData, error) {
	v, doc, err := f.load(ctx, viewerID)
	if err != nil {
		return packet.FactoryData{}, err
	}
	data, err := f.dataFor(ctx, f.evaluate(v, doc), doc)
	if err != nil {
		return data, err
	}
	f.game.send(to, viewerID, packet.NewFactoryData(f.game.id, f.id, data))
	return data, nil
}

func (f *Factory) dataFor(ctx context.Context, vis Visibility, doc territory.Factory) (packet.FactoryData, error) {
	if !vis.Visible {
		return packet.FactoryData{}, nil
	}
	data := packet.FactoryData{
		Visible:         true,
		Name:            doc.Name,
		Level:           doc.Level,
		Defence:         doc.Defence,
		In:              doc.In,
		Out:             doc.Out,
		ProductionIn:    f.ProductionIn(doc.Level),
		ProductionOut:   f.ProductionOut(doc.Level),
		DefenceUpgrades: f.DefenceUpgrades(doc.Defence),
		Ally:            vis.Ally,
		InRange:         vis.InRange,
		CanModify:       vis.CanModify,
	}
	if doc.Level < f.maxLevel() {
		data.NextLevelCost = f.NextLevelCost(doc.Level)
	}

	eg, ectx := errgroup.WithContext(ctx)
	if doc.CreatorID != "" {
		eg.Go(func() error {
			u, err := f.game.deps.Store.User(ectx, doc.CreatorID)
			if errors.Is(err, territory.ErrNotFound) {
				return nil
			}
			data.CreatorName = u.Name
			return err
		})
	}
	eg.Go(func() error {
		t, err := f.game.deps.Store.Team(ectx, f.teamID)
		data.TeamName = t.Name
		return err
	})
	if err := eg.Wait(); err != nil {
		return packet.FactoryData{}, fmt.Errorf("assembling factory %s data: %w", f.id, err)
	}
	return data, nil
}

// BroadcastData sends the current snapshot to every live user who sees the
// factory.
func (f *Factory) BroadcastData(ctx context.Context) error {
	var (
		vs  map[string]*Viewer
		doc territory.Factory
	)
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		vs, err = f.game.viewers(ectx)
		return err
	})
	eg.Go(func() (err error) {
		doc, err = f.game.deps.Store.Factory(ectx, f.id)
		return err
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("broadcasting factory %s: %w", f.id, err)
	}

	var errs []error
	for _, u := range f.game.users.All() {
		vis := f.evaluate(vs[u.ID()], doc)
		if !vis.Visible {
			continue
		}
		data, err := f.dataFor(ctx, vis, doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.game.send(nil, u.ID(), packet.NewFactoryData(f.game.id, f.id, data))
	}
	return errors.Join(errs...)
}

// Tick runs one production cycle. It reports whether the factory produced.
func (f *Factory) Tick(ctx context.Context) (bool, error) {
	f.mu.Lock()
	if f.unloaded.Load() {
		f.mu.Unlock()
		return false, nil
	}
	produced := false
	_, err := f.game.deps.Store.UpdateFactory(ctx, f.id, func(doc *territory.Factory) error {
		need := f.ProductionIn(doc.Level)
		if doc.In < need {
			return nil
		}
		doc.In -= need
		doc.Out += f.ProductionOut(doc.Level)
		produced = true
		return nil
	})
	f.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("ticking factory %s: %w", f.id, err)
	}
	if !produced {
		return false, nil
	}
	return true, f.BroadcastData(ctx)
}

// SpreadGoods splits total over n recipients. Each share is ceil(total/n)
// capped at what is left, so later recipients may get less or nothing.
func SpreadGoods(total, n int) []int {
	shares := make([]int, n)
	if n <= 0 || total <= 0 {
		return shares
	}
	each := (total + n - 1) / n
	left := total
	for i := range shares {
		shares[i] = min(each, left)
		left -= shares[i]
	}
	return shares
}

// Destroy hands the stored goods to the team, deletes the factory and tells
// every live user to drop it.
func (f *Factory) Destroy(ctx context.Context) error {
	f.mu.Lock()
	if f.unloaded.Load() {
		f.mu.Unlock()
		return territory.ErrUnloaded
	}
	err := f.destroy(ctx)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	gone := packet.NewFactoryData(f.game.id, f.id, packet.FactoryData{Destroyed: true})
	for _, u := range f.game.users.All() {
		f.game.send(nil, u.ID(), gone)
	}
	return errors.Join(
		f.game.BroadcastLocations(ctx, "", nil),
		f.game.sendTeamData(ctx, f.teamID),
	)
}

func (f *Factory) destroy(ctx context.Context) error {
	store := f.game.deps.Store
	team, err := store.GameUsersForTeam(ctx, f.game.id, f.teamID)
	if err != nil {
		return fmt.Errorf("destroying factory %s: %w", f.id, err)
	}

	// Goods leave the factory before anyone is paid, so a retry after any
	// later failure finds nothing left to hand out twice.
	var in, out int
	if _, err := store.UpdateFactory(ctx, f.id, func(d *territory.Factory) error {
		in, out = d.In, d.Out
		d.In, d.Out = 0, 0
		return nil
	}); err != nil {
		return fmt.Errorf("emptying factory %s: %w", f.id, err)
	}

	ins := SpreadGoods(in, len(team))
	outs := SpreadGoods(out, len(team))
	for i, gu := range team {
		if ins[i] == 0 && outs[i] == 0 {
			continue
		}
		_, err := store.UpdateGameUser(ctx, f.game.id, gu.UserID, func(u *territory.GameUser) error {
			u.In += ins[i]
			u.Out += outs[i]
			return nil
		})
		if err != nil {
			f.restore(ctx, sum(ins[i:]), sum(outs[i:]))
			return fmt.Errorf("spreading goods of factory %s to %s: %w", f.id, gu.UserID, err)
		}
	}

	if err := store.DeleteFactory(ctx, f.id); err != nil {
		return fmt.Errorf("deleting factory %s: %w", f.id, err)
	}
	f.game.factories.Remove(f.id)
	f.unload()
	f.game.logger.Info("factory destroyed", "factory", f.id, "in", in, "out", out, "teammates", len(team))
	return nil
}

// restore puts goods that could not be handed out back into the factory.
func (f *Factory) restore(ctx context.Context, in, out int) {
	if in == 0 && out == 0 {
		return
	}
	if _, err := f.game.deps.Store.UpdateFactory(ctx, f.id, func(d *territory.Factory) error {
		d.In += in
		d.Out += out
		return nil
	}); err != nil {
		f.game.logger.Error("restoring goods failed", "factory", f.id, "in", in, "out", out, "error", err)
	}
}

func sum(xs []int) int {
	n := 0
	for _, x := range xs {
		n += x
	}
	return n
}

// modify runs a player action under the factory lock once the player is
// confirmed to be allowed to modify it.
func (f *Factory) modify(ctx context.Context, userID string, fn func(doc territory.Factory) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unloaded.Load() {
		return territory.ErrUnloaded
	}
	v, doc, err := f.load(ctx, userID)
	if err != nil {
		return err
	}
	if !f.evaluate(v, doc).CanModify {
		return fmt.Errorf("%w: %s cannot modify factory %s", territory.ErrNotAllowed, userID, f.id)
	}
	return fn(doc)
}

// pay charges the player and then applies change to the factory, refunding
// the player when the factory write fails.
func (f *Factory) pay(ctx context.Context, userID string, cost int, change func(*territory.Factory) error) error {
	store := f.game.deps.Store
	if _, err := store.UpdateGameUser(ctx, f.game.id, userID, func(u *territory.GameUser) error {
		if u.Balance < cost {
			return territory.ErrInsufficient
		}
		u.Balance -= cost
		return nil
	}); err != nil {
		return err
	}
	if _, err := store.UpdateFactory(ctx, f.id, change); err != nil {
		if _, rerr := store.UpdateGameUser(ctx, f.game.id, userID, func(u *territory.GameUser) error {
			u.Balance += cost
			return nil
		}); rerr != nil {
			f.game.logger.Error("refund failed", "factory", f.id, "user", userID, "cost", cost, "error", rerr)
		}
		return err
	}
	return nil
}

// Upgrade raises the factory one level at the current level cost.
func (f *Factory) Upgrade(ctx context.Context, userID string) error {
	err := f.modify(ctx, userID, func(doc territory.Factory) error {
		if doc.Level >= f.maxLevel() {
			return fmt.Errorf("%w: factory %s is at max level", territory.ErrNotAllowed, f.id)
		}
		level := doc.Level
		return f.pay(ctx, userID, f.NextLevelCost(level), func(d *territory.Factory) error {
			if d.Level != level {
				return territory.ErrPriceChanged
			}
			d.Level++
			return nil
		})
	})
	if err != nil {
		return err
	}
	return f.BroadcastData(ctx)
}

// BuyDefence buys the defence upgrade at index. cost and defence are what the
// client was shown and must still match the current offer.
func (f *Factory) BuyDefence(ctx context.Context, userID string, index, cost, defence int) error {
	err := f.modify(ctx, userID, func(doc territory.Factory) error {
		offers := f.DefenceUpgrades(doc.Defence)
		if index < 0 || index >= len(offers) {
			return fmt.Errorf("%w: defence upgrade %d", territory.ErrInvalidValue, index)
		}
		offer := offers[index]
		if doc.Defence != defence || offer.Cost != cost {
			return territory.ErrPriceChanged
		}
		return f.pay(ctx, userID, offer.Cost, func(d *territory.Factory) error {
			if d.Defence != defence {
				return territory.ErrPriceChanged
			}
			d.Defence += offer.Amount
			return nil
		})
	})
	if err != nil {
		return err
	}
	return f.BroadcastData(ctx)
}

// PutIn moves input goods from the player into the factory.
func (f *Factory) PutIn(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d", territory.ErrInvalidValue, amount)
	}
	store := f.game.deps.Store
	err := f.modify(ctx, userID, func(territory.Factory) error {
		if _, err := store.UpdateGameUser(ctx, f.game.id, userID, func(u *territory.GameUser) error {
			if u.In < amount {
				return territory.ErrInsufficient
			}
			u.In -= amount
			return nil
		}); err != nil {
			return err
		}
		if _, err := store.UpdateFactory(ctx, f.id, func(d *territory.Factory) error {
			d.In += amount
			return nil
		}); err != nil {
			if _, rerr := store.UpdateGameUser(ctx, f.game.id, userID, func(u *territory.GameUser) error {
				u.In += amount
				return nil
			}); rerr != nil {
				f.game.logger.Error("returning goods failed", "factory", f.id, "user", userID, "in", amount, "error", rerr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return f.BroadcastData(ctx)
}

// TakeOut moves produced goods from the factory to the player.
func (f *Factory) TakeOut(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount %d", territory.ErrInvalidValue, amount)
	}
	store := f.game.deps.Store
	err := f.modify(ctx, userID, func(territory.Factory) error {
		if _, err := store.UpdateFactory(ctx, f.id, func(d *territory.Factory) error {
			if d.Out < amount {
				return territory.ErrInsufficient
			}
			d.Out -= amount
			return nil
		}); err != nil {
			return err
		}
		if _, err := store.UpdateGameUser(ctx, f.game.id, userID, func(u *territory.GameUser) error {
			u.Out += amount
			return nil
		}); err != nil {
			f.restore(ctx, 0, amount)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return f.BroadcastData(ctx)
}
