// Package store persists game documents as JSONB rows in libSQL.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playperu/territory/internal/migrations"
	"github.com/playperu/territory/internal/territory"
)

// DocStore implements live.Store using per-model tables with JSONB data
// columns. Indexed columns mirror the document fields used in WHERE clauses.
type DocStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewDocStore applies pending migrations and returns a store over db.
func NewDocStore(ctx context.Context, db *sql.DB) (*DocStore, error) {
	if _, err := migrations.Run(ctx, db); err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DocStore{db: db, now: time.Now}, nil
}

// Check implements health.Checker: the database answers and its schema is
// the one this binary embeds.
func (s *DocStore) Check(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return migrations.Current(ctx, s.db)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getDoc(ctx context.Context, q querier, what string, dest any, query string, args ...any) error {
	var data string
	err := q.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, territory.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("loading %s: %w", what, err)
	}
	return json.Unmarshal([]byte(data), dest)
}

func listDocs[T any](ctx context.Context, q querier, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc T
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *DocStore) Game(ctx context.Context, id string) (territory.Game, error) {
	var g territory.Game
	err := getDoc(ctx, s.db, "game "+id, &g, `SELECT json(data) FROM games WHERE id = ?`, id)
	return g, err
}

func (s *DocStore) Games(ctx context.Context) ([]territory.Game, error) {
	return listDocs[territory.Game](ctx, s.db, `SELECT json(data) FROM games ORDER BY id`)
}

func (s *DocStore) User(ctx context.Context, id string) (territory.User, error) {
	var u territory.User
	err := getDoc(ctx, s.db, "user "+id, &u, `SELECT json(data) FROM users WHERE id = ?`, id)
	return u, err
}

func (s *DocStore) Team(ctx context.Context, id string) (territory.Team, error) {
	var t territory.Team
	err := getDoc(ctx, s.db, "team "+id, &t, `SELECT json(data) FROM teams WHERE id = ?`, id)
	return t, err
}

func (s *DocStore) Teams(ctx context.Context, gameID string) ([]territory.Team, error) {
	return listDocs[territory.Team](ctx, s.db,
		`SELECT json(data) FROM teams WHERE game_id = ? ORDER BY id`, gameID)
}

func (s *DocStore) GameUser(ctx context.Context, gameID, userID string) (territory.GameUser, error) {
	return getGameUser(ctx, s.db, gameID, userID)
}

func getGameUser(ctx context.Context, q querier, gameID, userID string) (territory.GameUser, error) {
	var gu territory.GameUser
	err := getDoc(ctx, q, "game user "+userID, &gu,
		`SELECT json(data) FROM game_users WHERE game_id = ? AND user_id = ?`, gameID, userID)
	return gu, err
}

func (s *DocStore) GameUsers(ctx context.Context, gameID string) ([]territory.GameUser, error) {
	return listDocs[territory.GameUser](ctx, s.db,
		`SELECT json(data) FROM game_users WHERE game_id = ? ORDER BY user_id`, gameID)
}

func (s *DocStore) GameUsersForTeam(ctx context.Context, gameID, teamID string) ([]territory.GameUser, error) {
	return listDocs[territory.GameUser](ctx, s.db,
		`SELECT json(data) FROM game_users WHERE game_id = ? AND team_id = ? ORDER BY user_id`,
		gameID, teamID)
}

// UpdateGameUser loads a game user, applies fn, validates and saves it in a
// transaction. The identity fields are restored after fn and the write is
// skipped when nothing changed.
func (s *DocStore) UpdateGameUser(ctx context.Context, gameID, userID string, fn func(*territory.GameUser) error) (territory.GameUser, error) {
	var out territory.GameUser
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		gu, err := getGameUser(ctx, tx, gameID, userID)
		if err != nil {
			return err
		}
		before, err := json.Marshal(gu)
		if err != nil {
			return err
		}
		if err := fn(&gu); err != nil {
			return err
		}
		gu.GameID, gu.UserID = gameID, userID
		if err := gu.Validate(); err != nil {
			return err
		}
		after, err := json.Marshal(gu)
		if err != nil {
			return err
		}
		out = gu
		if bytes.Equal(before, after) {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE game_users SET team_id = ?, data = jsonb(?) WHERE game_id = ? AND user_id = ?`,
			gu.TeamID, string(after), gameID, userID,
		)
		return err
	})
	if err != nil {
		return territory.GameUser{}, err
	}
	return out, nil
}

func (s *DocStore) Factory(ctx context.Context, id string) (territory.Factory, error) {
	return getFactory(ctx, s.db, id)
}

func getFactory(ctx context.Context, q querier, id string) (territory.Factory, error) {
	var f territory.Factory
	err := getDoc(ctx, q, "factory "+id, &f, `SELECT json(data) FROM factories WHERE id = ?`, id)
	return f, err
}

func (s *DocStore) FactoriesForGame(ctx context.Context, gameID string) ([]territory.Factory, error) {
	return listDocs[territory.Factory](ctx, s.db,
		`SELECT json(data) FROM factories WHERE game_id = ? ORDER BY id`, gameID)
}

func (s *DocStore) CountFactoriesForTeam(ctx context.Context, gameID, teamID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM factories WHERE game_id = ? AND team_id = ?`, gameID, teamID,
	).Scan(&n)
	return n, err
}

func (s *DocStore) CreateFactory(ctx context.Context, f territory.Factory) (territory.Factory, error) {
	if f.ID == "" {
		return f, fmt.Errorf("%w: factory without id", territory.ErrInvalidValue)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	if err := f.Validate(); err != nil {
		return f, err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return f, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO factories (id, game_id, team_id, data) VALUES (?, ?, ?, jsonb(?))`,
		f.ID, f.GameID, f.TeamID, string(data),
	)
	if err != nil {
		return f, fmt.Errorf("inserting factory %s: %w", f.ID, err)
	}
	return f, nil
}

// UpdateFactory loads a factory, applies fn, validates and saves it in a
// transaction. Changing the id, game or team is rejected.
func (s *DocStore) UpdateFactory(ctx context.Context, id string, fn func(*territory.Factory) error) (territory.Factory, error) {
	var out territory.Factory
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		f, err := getFactory(ctx, tx, id)
		if err != nil {
			return err
		}
		orig := f
		before, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if err := fn(&f); err != nil {
			return err
		}
		if f.ID != orig.ID || f.GameID != orig.GameID || f.TeamID != orig.TeamID {
			return fmt.Errorf("%w: factory %s changed owner", territory.ErrInvalidValue, id)
		}
		if err := f.Validate(); err != nil {
			return err
		}
		after, err := json.Marshal(f)
		if err != nil {
			return err
		}
		out = f
		if bytes.Equal(before, after) {
			return nil
		}
		_, err = tx.ExecContext(ctx, `UPDATE factories SET data = jsonb(?) WHERE id = ?`, string(after), id)
		return err
	})
	if err != nil {
		return territory.Factory{}, err
	}
	return out, nil
}

func (s *DocStore) DeleteFactory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM factories WHERE id = ?`, id)
	return err
}

func (s *DocStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
