// Package games exposes read-only HTTP views of the loaded live games.
package games

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"github.com/playperu/territory/internal/auth"
	"github.com/playperu/territory/internal/live"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/territory"
)

// Engine is the part of the live game manager these views read.
type Engine interface {
	Games() []*live.Game
	Game(ctx context.Context, id string) (*live.Game, error)
	SendGameData(ctx context.Context, gameID, userID string, to live.Sender) (packet.GameData, error)
}

type Handler struct {
	engine Engine
	tokens *auth.Tokens
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, engine Engine, tokens *auth.Tokens) *Handler {
	return &Handler{engine: engine, tokens: tokens, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Group(func(r chi.Router) {
		r.Use(h.tokens.Middleware)
		r.Get("/{gameID}/dashboard", h.dashboard)
		r.Get("/{gameID}/shop/qr.png", h.shopQR)
	})
	return r
}

// ErrorResponse is returned for all error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// GameSummary describes one loaded game.
type GameSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Users     int    `json:"users"`
	Factories int    `json:"factories"`
	Shops     int    `json:"shops"`
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request) {
	out := []GameSummary{}
	for _, g := range h.engine.Games() {
		out = append(out, GameSummary{
			ID:        g.ID(),
			Name:      g.Name(),
			Users:     len(g.Users().All()),
			Factories: len(g.Factories().All()),
			Shops:     len(g.Shops().All()),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	if _, ok := h.activeGame(w, r, gameID); !ok {
		return
	}
	data, err := h.engine.SendGameData(r.Context(), gameID, auth.UserID(r.Context()), live.SenderFunc(discard))
	if errors.Is(err, territory.ErrInvalidReference) || errors.Is(err, territory.ErrNotFound) {
		// The game resolved above, so what is missing is the caller's membership.
		writeError(w, http.StatusForbidden, "not a member of this game")
		return
	}
	if err != nil {
		h.writeEngineError(w, gameID, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// shopQR renders the caller's own shop token so buyers can scan it.
func (h *Handler) shopQR(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "gameID")
	g, ok := h.activeGame(w, r, gameID)
	if !ok {
		return
	}
	shop := g.Shops().Get(auth.UserID(r.Context()))
	if shop == nil || shop.Token() == "" {
		writeError(w, http.StatusNotFound, "you are not running a shop")
		return
	}
	png, err := qrcode.Encode(shop.Token(), qrcode.Medium, 256)
	if err != nil {
		h.logger.Error("encoding shop qr failed", "game", gameID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// activeGame resolves a loaded game or writes why it cannot.
func (h *Handler) activeGame(w http.ResponseWriter, r *http.Request, gameID string) (*live.Game, bool) {
	g, err := h.engine.Game(r.Context(), gameID)
	if err == nil && g == nil {
		err = territory.ErrNotAllowed
	}
	if err != nil {
		h.writeEngineError(w, gameID, err)
		return nil, false
	}
	return g, true
}

func (h *Handler) writeEngineError(w http.ResponseWriter, gameID string, err error) {
	switch {
	case errors.Is(err, territory.ErrInvalidReference), errors.Is(err, territory.ErrNotFound):
		writeError(w, http.StatusNotFound, "game not found")
	case errors.Is(err, territory.ErrNotAllowed), errors.Is(err, territory.ErrUnloaded):
		writeError(w, http.StatusConflict, "game is not active")
	default:
		h.logger.Error("reading game failed", "game", gameID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func discard(string, string, packet.Envelope) {}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
