package live

import (
	"context"
	"errors"
	"fmt"

	"github.com/playperu/territory/internal/geo"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// HandlePacket runs one inbound packet for the user. Failures never reach the
// connection: they are answered with a message response sent to to.
func (m *Manager) HandlePacket(ctx context.Context, userID string, in packet.Inbound, to Sender) {
	gameID, err := m.dispatch(ctx, userID, in, to)
	if err == nil {
		return
	}
	m.respond(ctx, gameID, userID, in.Type, err, to)
}

func (m *Manager) respond(ctx context.Context, gameID, userID string, typ packet.Type, err error, to Sender) {
	if to == nil {
		to = m.deps.Sender
	}
	switch {
	case errors.Is(err, packet.ErrMalformed):
		m.logger.Warn("malformed packet", "user", userID, "type", typ, "error", err)
		to.Send(gameID, userID, packet.Toast(true, "Invalid request."))
	case errors.Is(err, territory.ErrInsufficient):
		to.Send(gameID, userID, packet.Toast(true, "You cannot afford that."))
	case errors.Is(err, territory.ErrNotAllowed):
		to.Send(gameID, userID, packet.Toast(true, "You cannot do that here."))
	case errors.Is(err, territory.ErrPriceChanged):
		to.Send(gameID, userID, packet.Dialog(true, "Prices have changed. Please check the new offer."))
		if _, err := m.SendGameData(ctx, gameID, userID, to); err != nil {
			m.logger.Warn("resending game data failed", "game", gameID, "user", userID, "error", err)
		}
	case errors.Is(err, territory.ErrInvalidReference),
		errors.Is(err, territory.ErrNotFound),
		errors.Is(err, territory.ErrUnloaded):
		to.Send(gameID, userID, packet.Toast(true, "That no longer exists."))
	case errors.Is(err, territory.ErrInvalidValue), errors.Is(err, geo.ErrInvalidCoordinate):
		to.Send(gameID, userID, packet.Toast(true, "Invalid value."))
	default:
		m.logger.Error("handling packet failed", "game", gameID, "user", userID, "type", typ, "error", err)
		to.Send(gameID, userID, packet.Toast(true, "Something went wrong."))
	}
}

func (m *Manager) dispatch(ctx context.Context, userID string, in packet.Inbound, to Sender) (string, error) {
	switch in.Type {
	case packet.LocationUpdate:
		p, g, err := payload[packet.LocationUpdatePayload](ctx, m, in)
		if err != nil {
			return p.Game, err
		}
		if p.Location == nil {
			return p.Game, fmt.Errorf("%w: location update without location", packet.ErrMalformed)
		}
		if err := p.Location.Validate(); err != nil {
			return p.Game, err
		}
		return p.Game, g.UpdateLocation(ctx, userID, *p.Location)

	case packet.PlayerStrengthBuy:
		p, g, err := payload[packet.StrengthBuyPayload](ctx, m, in)
		if err != nil {
			return p.Game, err
		}
		if err := g.BuyStrength(ctx, userID, p.Index, p.Cost, p.Strength); err != nil {
			return p.Game, err
		}
		_, err = g.SendGameData(ctx, userID, nil)
		return p.Game, err

	case packet.ShopBuy, packet.ShopSell:
		p, g, err := payload[packet.ShopTradePayload](ctx, m, in)
		if err != nil {
			return p.Game, err
		}
		s := g.shops.ByToken(p.Token)
		if s == nil {
			return p.Game, fmt.Errorf("%w: shop %q", territory.ErrNotFound, p.Token)
		}
		if in.Type == packet.ShopBuy {
			err = s.Buy(ctx, userID, p.Amount)
		} else {
			err = s.Sell(ctx, userID, p.Amount)
		}
		if err != nil {
			return p.Game, err
		}
		_, err = g.SendGameData(ctx, userID, nil)
		return p.Game, err

	case packet.FactoryBuild:
		p, g, err := payload[packet.FactoryBuildPayload](ctx, m, in)
		if err != nil {
			return p.Game, err
		}
		if _, err := g.factories.Build(ctx, userID, p.Name); err != nil {
			return p.Game, err
		}
		if err := g.BroadcastLocations(ctx, "", nil); err != nil {
			return p.Game, err
		}
		_, err = g.SendGameData(ctx, userID, nil)
		return p.Game, err

	case packet.FactoryUpgrade, packet.FactoryDefenceBuy, packet.FactoryPutIn,
		packet.FactoryTakeOut, packet.FactoryDestroy, packet.FactoryDataRequest:
		p, g, err := payload[packet.FactoryPayload](ctx, m, in)
		if err != nil {
			return p.Game, err
		}
		if p.Factory == "" {
			return p.Game, fmt.Errorf("%w: %s without factory", packet.ErrMalformed, in.Type)
		}
		f, err := g.factories.Get(ctx, p.Factory)
		if err != nil {
			return p.Game, err
		}
		return p.Game, m.factoryAction(ctx, g, f, userID, in.Type, p, to)

	case packet.GameDataRequest:
		p, g, err := payload[packet.GameRef](ctx, m, in)
		if err != nil {
			return p.Game, err
		}
		_, err = g.SendGameData(ctx, userID, to)
		return p.Game, err

	default:
		return "", fmt.Errorf("%w: unknown type %q", packet.ErrMalformed, in.Type)
	}
}

func (m *Manager) factoryAction(ctx context.Context, g *Game, f *Factory, userID string, typ packet.Type, p packet.FactoryPayload, to Sender) error {
	var err error
	switch typ {
	case packet.FactoryDataRequest:
		_, err = f.SendData(ctx, userID, to)
		return err
	case packet.FactoryUpgrade:
		err = f.Upgrade(ctx, userID)
	case packet.FactoryDefenceBuy:
		err = f.BuyDefence(ctx, userID, p.Index, p.Cost, p.Defence)
	case packet.FactoryPutIn:
		err = f.PutIn(ctx, userID, p.Amount)
	case packet.FactoryTakeOut:
		err = f.TakeOut(ctx, userID, p.Amount)
	case packet.FactoryDestroy:
		if err = f.modify(ctx, userID, func(territory.Factory) error { return nil }); err != nil {
			return err
		}
		// The team's dashboards, the destroyer's included, are refreshed by Destroy.
		return f.Destroy(ctx)
	}
	if err != nil {
		return err
	}
	_, err = g.SendGameData(ctx, userID, nil)
	return err
}

// payload decodes the packet body and resolves its active game.
func payload[T interface{ GameID() string }](ctx context.Context, m *Manager, in packet.Inbound) (T, *Game, error) {
	p, err := packet.Payload[T](in)
	if err != nil {
		return p, nil, err
	}
	g, err := m.activeGame(ctx, p.GameID())
	return p, g, err
}
