// Package live is the in-memory runtime of active games: live users,
// factories and shops, their visibility rules, production ticks and the
// broadcasts that keep connected clients in sync.
package live

import (
	"context"
	"log/slog"
	"time"

	"github.com/playperu/territory/internal/balance"
	"github.com/playperu/territory/internal/geo"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// Store is the persistence the live engine reads and writes through. Update
// methods run fn inside a read-modify-write; fn may return an error to abort
// and the document is validated before it is written.
type Store interface {
	Game(ctx context.Context, id string) (territory.Game, error)
	User(ctx context.Context, id string) (territory.User, error)
	Team(ctx context.Context, id string) (territory.Team, error)
	Teams(ctx context.Context, gameID string) ([]territory.Team, error)

	GameUser(ctx context.Context, gameID, userID string) (territory.GameUser, error)
	GameUsers(ctx context.Context, gameID string) ([]territory.GameUser, error)
	GameUsersForTeam(ctx context.Context, gameID, teamID string) ([]territory.GameUser, error)
	UpdateGameUser(ctx context.Context, gameID, userID string, fn func(*territory.GameUser) error) (territory.GameUser, error)

	Factory(ctx context.Context, id string) (territory.Factory, error)
	FactoriesForGame(ctx context.Context, gameID string) ([]territory.Factory, error)
	CountFactoriesForTeam(ctx context.Context, gameID, teamID string) (int, error)
	CreateFactory(ctx context.Context, f territory.Factory) (territory.Factory, error)
	UpdateFactory(ctx context.Context, id string, fn func(*territory.Factory) error) (territory.Factory, error)
	DeleteFactory(ctx context.Context, id string) error
}

// LocationCache keeps the last known position of users across restarts.
type LocationCache interface {
	SaveLocation(ctx context.Context, gameID, userID string, pos geo.Position) error
	LoadLocation(ctx context.Context, gameID, userID string) (geo.Position, bool, error)
}

// Sender delivers packets to every connection a user has open to a game.
type Sender interface {
	Send(gameID, userID string, env packet.Envelope)
}

// Presence reports whether a user currently has a connection open to a game.
type Presence interface {
	Connected(gameID, userID string) bool
}

// Deps are the collaborators shared by every live game.
type Deps struct {
	Store    Store
	Cache    LocationCache
	Sender   Sender
	Presence Presence
	Table    *balance.Table
	Logger   *slog.Logger
	Now      func() time.Time
}

func (d *Deps) withDefaults() {
	if d.Cache == nil {
		d.Cache = noCache{}
	}
	if d.Sender == nil {
		d.Sender = discard{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

type noCache struct{}

func (noCache) SaveLocation(context.Context, string, string, geo.Position) error { return nil }

func (noCache) LoadLocation(context.Context, string, string) (geo.Position, bool, error) {
	return geo.Position{}, false, nil
}

type discard struct{}

func (discard) Send(string, string, packet.Envelope) {}

// SenderFunc adapts a function to Sender.
type SenderFunc func(gameID, userID string, env packet.Envelope)

func (f SenderFunc) Send(gameID, userID string, env packet.Envelope) { f(gameID, userID, env) }
