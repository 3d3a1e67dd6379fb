package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/playperu/territory/internal/geo"
	"github.com/playperu/territory/internal/territory"
)

func (s *DocStore) put(ctx context.Context, query string, doc any, args ...any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, query, append(args, string(data))...)
	return err
}

func (s *DocStore) CreateGame(ctx context.Context, g territory.Game) (territory.Game, error) {
	if g.ID == "" {
		return g, fmt.Errorf("%w: game without id", territory.ErrInvalidValue)
	}
	if g.Stage == "" {
		g.Stage = territory.GameStagePending
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now().UTC()
	}
	err := s.put(ctx, `INSERT INTO games (id, stage, data) VALUES (?, ?, jsonb(?))`, g, g.ID, string(g.Stage))
	if err != nil {
		return g, fmt.Errorf("inserting game %s: %w", g.ID, err)
	}
	return g, nil
}

// SetGameStage moves a game through its lifecycle.
func (s *DocStore) SetGameStage(ctx context.Context, id string, stage territory.GameStage) error {
	switch stage {
	case territory.GameStagePending, territory.GameStageActive, territory.GameStageFinished:
	default:
		return fmt.Errorf("%w: stage %q", territory.ErrInvalidValue, stage)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var g territory.Game
		if err := getDoc(ctx, tx, "game "+id, &g, `SELECT json(data) FROM games WHERE id = ?`, id); err != nil {
			return err
		}
		g.Stage = stage
		data, err := json.Marshal(g)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE games SET stage = ?, data = jsonb(?) WHERE id = ?`,
			string(stage), string(data), id)
		return err
	})
}

func (s *DocStore) CreateUser(ctx context.Context, u territory.User) (territory.User, error) {
	if u.ID == "" {
		return u, fmt.Errorf("%w: user without id", territory.ErrInvalidValue)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if err := s.put(ctx, `INSERT INTO users (id, data) VALUES (?, jsonb(?))`, u, u.ID); err != nil {
		return u, fmt.Errorf("inserting user %s: %w", u.ID, err)
	}
	return u, nil
}

func (s *DocStore) CreateTeam(ctx context.Context, t territory.Team) (territory.Team, error) {
	if t.ID == "" || t.GameID == "" {
		return t, fmt.Errorf("%w: team without id or game", territory.ErrInvalidValue)
	}
	if err := s.put(ctx, `INSERT INTO teams (id, game_id, data) VALUES (?, ?, jsonb(?))`, t, t.ID, t.GameID); err != nil {
		return t, fmt.Errorf("inserting team %s: %w", t.ID, err)
	}
	return t, nil
}

// JoinGame adds a user to a game. A non-empty team must belong to the game.
func (s *DocStore) JoinGame(ctx context.Context, gu territory.GameUser) (territory.GameUser, error) {
	if gu.TeamID != "" {
		t, err := s.Team(ctx, gu.TeamID)
		if err != nil {
			return gu, err
		}
		if t.GameID != gu.GameID {
			return gu, fmt.Errorf("%w: team %s is not in game %s", territory.ErrInvalidReference, t.ID, gu.GameID)
		}
	}
	if err := gu.Validate(); err != nil {
		return gu, err
	}
	err := s.put(ctx,
		`INSERT INTO game_users (game_id, user_id, team_id, data) VALUES (?, ?, ?, jsonb(?))`,
		gu, gu.GameID, gu.UserID, gu.TeamID)
	if err != nil {
		return gu, fmt.Errorf("joining %s to game %s: %w", gu.UserID, gu.GameID, err)
	}
	return gu, nil
}

// SeedDemo creates an active demo game with two teams of players, a spectator
// and one factory per team, unless the game already exists.
func (s *DocStore) SeedDemo(ctx context.Context, logger *slog.Logger, startBalance int) error {
	if _, err := s.Game(ctx, "demo"); err == nil {
		return nil
	} else if !errors.Is(err, territory.ErrNotFound) {
		return err
	}

	if _, err := s.CreateGame(ctx, territory.Game{ID: "demo", Name: "Demo", Stage: territory.GameStageActive}); err != nil {
		return err
	}

	plaza := geo.Coordinate{Latitude: -12.0464, Longitude: -77.0428}
	teams := []struct {
		id, name string
		players  []string
		factory  geo.Coordinate
	}{
		{"demo-red", "Red", []string{"ana", "bruno"}, plaza},
		{"demo-blue", "Blue", []string{"carla", "diego"}, geo.Coordinate{Latitude: -12.0450, Longitude: -77.0300}},
	}
	for _, tm := range teams {
		if _, err := s.CreateTeam(ctx, territory.Team{ID: tm.id, GameID: "demo", Name: tm.name}); err != nil {
			return err
		}
		for _, name := range tm.players {
			if _, err := s.CreateUser(ctx, territory.User{ID: name, Name: name}); err != nil {
				return err
			}
			gu := territory.GameUser{
				GameID:    "demo",
				UserID:    name,
				TeamID:    tm.id,
				UserState: territory.UserState{Player: true},
				Balance:   startBalance,
			}
			if _, err := s.JoinGame(ctx, gu); err != nil {
				return err
			}
		}
		f := territory.Factory{
			ID:        tm.id + "-hq",
			GameID:    "demo",
			TeamID:    tm.id,
			CreatorID: tm.players[0],
			Name:      tm.name + " HQ",
			Level:     1,
			Location:  tm.factory,
		}
		if _, err := s.CreateFactory(ctx, f); err != nil {
			return err
		}
	}

	if _, err := s.CreateUser(ctx, territory.User{ID: "watcher", Name: "watcher"}); err != nil {
		return err
	}
	spectator := territory.GameUser{GameID: "demo", UserID: "watcher", UserState: territory.UserState{Spectator: true}}
	if _, err := s.JoinGame(ctx, spectator); err != nil {
		return err
	}

	logger.Info("demo game seeded", "game", "demo")
	return nil
}
