package live

import (
	"context"
	"sync"
	"time"

	"github.com/playperu/territory/internal/geo"
)

// User is a player of a loaded game with their last known location.
type User struct {
	id   string
	game *Game

	mu     sync.RWMutex
	name   string
	teamID string
	pos    geo.Position
	hasPos bool
}

func newUser(g *Game, id, name, teamID string) *User {
	return &User{id: id, game: g, name: name, teamID: teamID}
}

func (u *User) ID() string { return u.id }

func (u *User) Name() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.name
}

// TeamID is the cached team; it is refreshed whenever the user's game record
// is read.
func (u *User) TeamID() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.teamID
}

func (u *User) setTeamID(teamID string) {
	u.mu.Lock()
	u.teamID = teamID
	u.mu.Unlock()
}

func (u *User) Location() (geo.Position, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.pos, u.hasPos
}

// HasRecentLocation reports whether the last fix is inside the freshness window.
func (u *User) HasRecentLocation(now time.Time) bool {
	pos, ok := u.Location()
	return ok && pos.FreshAt(now, u.game.deps.Table.LocationFreshness())
}

func (u *User) restoreLocation(pos geo.Position) {
	u.mu.Lock()
	u.pos = pos
	u.hasPos = true
	u.mu.Unlock()
}

// SetLocation records a new fix and writes it through to the location cache.
// A cache failure is logged and does not fail the update.
func (u *User) SetLocation(ctx context.Context, c geo.Coordinate) geo.Position {
	pos := geo.Position{Coordinate: c, At: u.game.deps.Now()}
	u.restoreLocation(pos)

	if err := u.game.deps.Cache.SaveLocation(ctx, u.game.id, u.id, pos); err != nil {
		u.game.logger.Warn("caching location failed", "user", u.id, "error", err)
	}
	return pos
}

// viewer builds a Viewer from the user's cached state alone.
func (u *User) viewer(now time.Time) *Viewer {
	pos, ok := u.Location()
	return &Viewer{
		UserID:    u.id,
		TeamID:    u.TeamID(),
		Position:  pos.Coordinate,
		HasRecent: ok && pos.FreshAt(now, u.game.deps.Table.LocationFreshness()),
	}
}
