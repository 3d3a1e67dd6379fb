package games_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/playperu/territory/internal/auth"
	"github.com/playperu/territory/internal/balance"
	"github.com/playperu/territory/internal/database"
	"github.com/playperu/territory/internal/handler/games"
	"github.com/playperu/territory/internal/live"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/store"
)

type fixture struct {
	router http.Handler
	tokens *auth.Tokens
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	docs, err := store.NewDocStore(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	table, err := balance.Default()
	if err != nil {
		t.Fatal(err)
	}
	if err := docs.SeedDemo(ctx, slog.Default(), table.Player.StartBalance); err != nil {
		t.Fatal(err)
	}

	manager := live.NewManager(live.Deps{Store: docs, Table: table}, live.Options{})
	t.Cleanup(manager.Close)
	if _, err := manager.Game(ctx, "demo"); err != nil {
		t.Fatalf("loading demo: %v", err)
	}

	tokens, err := auth.NewTokens("games-handler-test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return fixture{router: games.NewHandler(slog.Default(), manager, tokens).Routes(), tokens: tokens}
}

func (f fixture) get(t *testing.T, path, userID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		tok, err := f.tokens.Issue(userID)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestList(t *testing.T) {
	f := setup(t)
	rec := f.get(t, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got []games.GameSummary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "demo" || got[0].Users != 5 || got[0].Factories != 2 || got[0].Shops != 2 {
		t.Errorf("games = %+v", got)
	}
}

func TestDashboard(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name       string
		path       string
		user       string
		wantStatus int
	}{
		{"player", "/demo/dashboard", "ana", http.StatusOK},
		{"spectator", "/demo/dashboard", "watcher", http.StatusOK},
		{"anonymous", "/demo/dashboard", "", http.StatusUnauthorized},
		{"unknown game", "/nope/dashboard", "ana", http.StatusNotFound},
		{"not a member", "/demo/dashboard", "stranger", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, tt.path, tt.user)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body)
			}
		})
	}

	errorOf := func(path, user string) string {
		t.Helper()
		var resp games.ErrorResponse
		if err := json.NewDecoder(f.get(t, path, user).Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		return resp.Error
	}
	if msg := errorOf("/demo/dashboard", "stranger"); msg != "not a member of this game" {
		t.Errorf("stranger error = %q", msg)
	}
	if msg := errorOf("/nope/dashboard", "ana"); msg != "game not found" {
		t.Errorf("unknown game error = %q", msg)
	}

	var data packet.GameData
	if err := json.NewDecoder(f.get(t, "/demo/dashboard", "ana").Body).Decode(&data); err != nil {
		t.Fatal(err)
	}
	if data.TeamName != "Red" || !data.Player || data.Balance != 200 || len(data.Factories) != 1 {
		t.Errorf("dashboard = %+v", data)
	}
}

func TestShopQR(t *testing.T) {
	f := setup(t)

	rec := f.get(t, "/demo/shop/qr.png", "ana")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status = %d type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Error("body is not a png")
	}

	if rec := f.get(t, "/demo/shop/qr.png", "bruno"); rec.Code != http.StatusNotFound {
		t.Errorf("non-dealer status = %d", rec.Code)
	}
}
