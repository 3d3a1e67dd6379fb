package live

import (
	"github.com/playperu/territory/internal/geo"
	"github.com/playperu/territory/internal/territory"
)

// Viewer is everything the visibility rules need to know about the user
// looking at the world.
type Viewer struct {
	UserID    string
	TeamID    string
	State     territory.UserState
	Position  geo.Coordinate
	HasRecent bool
}

// Ranges are the two factory thresholds. Active is the tighter one and
// applies once a viewer is already remembered as in range.
type Ranges struct {
	Detection float64
	Active    float64
}

type Visibility struct {
	Visible   bool
	Ally      bool
	InRange   bool
	CanModify bool
}

type FactoryTarget struct {
	TeamID   string
	Location geo.Coordinate
}

// OtherPlayer is a user being looked at by a Viewer.
type OtherPlayer struct {
	UserID   string
	TeamID   string
	IsDealer bool
	Position geo.Coordinate
	HasPos   bool
}

// SameTeam reports whether two team ids match. An empty id never matches.
func SameTeam(a, b string) bool { return a != "" && a == b }

// EffectiveRange picks the threshold for the next in-range check.
func EffectiveRange(r Ranges, wasInRange bool) float64 {
	if wasInRange {
		return r.Active
	}
	return r.Detection
}

func gameRole(s territory.UserState) bool { return s.Player || s.Special }

// FactoryVisibility decides how v sees a factory. The role gate always runs
// before any distance check.
func FactoryVisibility(v *Viewer, f FactoryTarget, r Ranges, wasInRange bool) Visibility {
	if v == nil {
		return Visibility{}
	}
	if !gameRole(v.State) && !v.State.Spectator {
		return Visibility{}
	}

	var vis Visibility
	if v.State.Spectator {
		vis.Visible = true
	}
	if SameTeam(v.TeamID, f.TeamID) {
		vis.Ally = true
		vis.Visible = true
	}
	if gameRole(v.State) && v.HasRecent {
		d := v.Position.DistanceTo(f.Location)
		vis.InRange = d <= EffectiveRange(r, wasInRange)
		if vis.InRange {
			vis.Visible = true
		}
		vis.CanModify = vis.Ally && d <= r.Active
	}
	return vis
}

// ShopVisibility reports whether v is close enough to trade with a dealer.
// The dealer is always in range of their own shop.
func ShopVisibility(v *Viewer, dealerID string, dealer geo.Coordinate, dealerHasPos bool, rng float64) bool {
	if v == nil {
		return false
	}
	if v.UserID == dealerID {
		return true
	}
	if !v.HasRecent || !dealerHasPos {
		return false
	}
	return v.Position.DistanceTo(dealer) <= rng
}

// PlayerVisibility decides whether v sees another player on the map.
func PlayerVisibility(v *Viewer, o OtherPlayer, shopRange float64) bool {
	if v == nil {
		return false
	}
	if v.UserID == o.UserID {
		return true
	}
	if v.State.Spectator || v.State.Special {
		return true
	}
	if SameTeam(v.TeamID, o.TeamID) {
		return true
	}
	if o.IsDealer && v.State.Player {
		return ShopVisibility(v, o.UserID, o.Position, o.HasPos, shopRange)
	}
	return false
}
