// Package territory defines the persisted game documents and the error
// taxonomy shared by the store and the live engine.
package territory

import (
	"errors"
	"fmt"
	"time"

	"github.com/playperu/territory/internal/geo"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidReference = errors.New("invalid reference")
	ErrInvalidValue     = errors.New("invalid value")
	ErrInsufficient     = errors.New("insufficient funds or goods")
	ErrNotAllowed       = errors.New("not allowed")
	ErrPriceChanged     = errors.New("price changed")
	ErrUnloaded         = errors.New("entity unloaded")
)

type GameStage string

const (
	GameStagePending  GameStage = "pending"
	GameStageActive   GameStage = "active"
	GameStageFinished GameStage = "finished"
)

type Game struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Stage     GameStage `json:"stage"`
	CreatedAt time.Time `json:"createdAt"`
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Team struct {
	ID     string `json:"id"`
	GameID string `json:"gameId"`
	Name   string `json:"name"`
}

// UserState is the role record of a user within one game.
type UserState struct {
	Player    bool `json:"player"`
	Special   bool `json:"special"`
	Spectator bool `json:"spectator"`
	Requested bool `json:"requested"`
}

// GameUser is the per-user-per-game record: team, roles and personal goods.
type GameUser struct {
	GameID   string `json:"gameId"`
	UserID   string `json:"userId"`
	TeamID   string `json:"teamId,omitempty"`
	UserState
	Balance  int `json:"balance"`
	Strength int `json:"strength"`
	In       int `json:"in"`
	Out      int `json:"out"`
}

func (u GameUser) Validate() error {
	switch {
	case u.Balance < 0:
		return fmt.Errorf("%w: balance %d", ErrInvalidValue, u.Balance)
	case u.Strength < 0:
		return fmt.Errorf("%w: strength %d", ErrInvalidValue, u.Strength)
	case u.In < 0:
		return fmt.Errorf("%w: in %d", ErrInvalidValue, u.In)
	case u.Out < 0:
		return fmt.Errorf("%w: out %d", ErrInvalidValue, u.Out)
	}
	return nil
}

// Factory is a team-owned production building. TeamID and GameID never change
// after creation.
type Factory struct {
	ID        string         `json:"id"`
	GameID    string         `json:"gameId"`
	TeamID    string         `json:"teamId"`
	CreatorID string         `json:"creatorId"`
	Name      string         `json:"name"`
	Level     int            `json:"level"`
	Defence   int            `json:"defence"`
	In        int            `json:"in"`
	Out       int            `json:"out"`
	Location  geo.Coordinate `json:"location"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (f Factory) Validate() error {
	switch {
	case f.GameID == "" || f.TeamID == "":
		return fmt.Errorf("%w: factory without game or team", ErrInvalidValue)
	case f.Level < 1:
		return fmt.Errorf("%w: level %d", ErrInvalidValue, f.Level)
	case f.Defence < 0:
		return fmt.Errorf("%w: defence %d", ErrInvalidValue, f.Defence)
	case f.In < 0:
		return fmt.Errorf("%w: in %d", ErrInvalidValue, f.In)
	case f.Out < 0:
		return fmt.Errorf("%w: out %d", ErrInvalidValue, f.Out)
	}
	return f.Location.Validate()
}
