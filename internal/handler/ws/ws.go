// Package ws serves the game socket: one connection per client, bound to one
// user and one game.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/playperu/territory/internal/live"
	"github.com/playperu/territory/internal/packet"
	"github.com/playperu/territory/internal/realtime"
	"github.com/playperu/territory/internal/territory"
)

const writeTimeout = 5 * time.Second

// Engine is the part of the live game manager a socket talks to.
type Engine interface {
	Connect(ctx context.Context, gameID, userID string, to live.Sender) error
	Disconnect(gameID, userID string)
	HandlePacket(ctx context.Context, userID string, in packet.Inbound, to live.Sender)
}

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	Verify(token string) (string, error)
}

type Handler struct {
	engine Engine
	hub    *realtime.Hub
	tokens Verifier
	logger *slog.Logger
}

func NewHandler(logger *slog.Logger, engine Engine, hub *realtime.Hub, tokens Verifier) *Handler {
	return &Handler{engine: engine, hub: hub, tokens: tokens, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.serve)
	return r
}

// serve expects ?token=<jwt>&game=<id>[&format=msgpack].
func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, err := h.tokens.Verify(q.Get("token"))
	if err != nil {
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
		return
	}
	gameID := q.Get("game")
	if gameID == "" {
		http.Error(w, `{"error":"game is required"}`, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	c := h.hub.Subscribe(gameID, userID, packet.ParseFormat(q.Get("format")))
	logger := h.logger.With("conn", c.ID, "user", userID, "game", gameID)
	defer func() {
		h.hub.Unsubscribe(c)
		h.engine.Disconnect(gameID, userID)
		logger.Debug("websocket closed")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.writeLoop(ctx, conn, c, logger)

	if err := h.engine.Connect(ctx, gameID, userID, c); err != nil {
		logger.Info("websocket rejected", "error", err)
		conn.Close(websocket.StatusPolicyViolation, closeReason(err))
		return
	}
	logger.Info("websocket connected")

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("websocket read ended", "error", err)
			return
		}
		if !c.Allow() {
			c.Send(gameID, userID, packet.Toast(true, "Slow down."))
			continue
		}
		in, err := packet.DecodeInbound(msg)
		if err != nil {
			logger.Warn("malformed frame", "error", err)
			c.Send(gameID, userID, packet.Toast(true, "Invalid request."))
			continue
		}
		// The socket speaks for the game it was opened for.
		if g := in.Game(); g != gameID {
			logger.Warn("packet for another game", "type", in.Type, "packet_game", g)
			c.Send(gameID, userID, packet.Toast(true, "Invalid request."))
			continue
		}
		h.engine.HandlePacket(ctx, userID, in, c)
	}
}

func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, c *realtime.Conn, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.Out:
			typ := websocket.MessageText
			if f.Binary {
				typ = websocket.MessageBinary
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, typ, f.Data)
			cancel()
			if err != nil {
				logger.Debug("websocket write failed", "error", err)
				conn.CloseNow()
				return
			}
		}
	}
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, territory.ErrInvalidReference), errors.Is(err, territory.ErrNotFound):
		return "not a member of this game"
	case errors.Is(err, territory.ErrNotAllowed):
		return "game is not active"
	default:
		return "cannot join game"
	}
}
