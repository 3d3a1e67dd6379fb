// Package realtime tracks open client connections and fans packets out to
// them. It is the live engine's Sender and Presence.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/playperu/territory/internal/packet"
)

// Frame is one encoded envelope ready to write.
type Frame struct {
	Data   []byte
	Binary bool
}

// Conn is one subscribed socket, bound to one user in one game. Frames queue
// on Out; a slow reader loses frames rather than blocking the sender.
type Conn struct {
	ID     string
	GameID string
	UserID string
	Format packet.Format
	Out    chan Frame

	hub     *Hub
	limiter *rate.Limiter
}

// Send delivers env to this connection only, if it belongs to userID. An
// empty gameID addresses the connection whatever game it is bound to.
func (c *Conn) Send(gameID, userID string, env packet.Envelope) {
	if userID != c.UserID || (gameID != "" && gameID != c.GameID) {
		return
	}
	data, err := packet.Encode(c.Format, env)
	if err != nil {
		c.hub.logger.Error("encoding packet failed", "conn", c.ID, "type", env.Type, "error", err)
		return
	}
	c.push(Frame{Data: data, Binary: c.Format.Binary()})
}

func (c *Conn) push(f Frame) {
	select {
	case c.Out <- f:
	default:
		c.hub.logger.Warn("dropping frame for slow connection", "conn", c.ID, "game", c.GameID, "user", c.UserID)
	}
}

// Allow reports whether another inbound packet fits the connection's rate.
func (c *Conn) Allow() bool { return c.limiter.Allow() }

type Options struct {
	// Inbound packets per second and burst per connection.
	Rate  float64
	Burst int
	// Queue is the outbound buffer per connection.
	Queue int
}

type member struct{ game, user string }

// Hub is the registry of open connections keyed by game and user.
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[member]map[*Conn]struct{}
}

func NewHub(logger *slog.Logger, opts Options) *Hub {
	if opts.Rate <= 0 {
		opts.Rate = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	return &Hub{opts: opts, logger: logger, conns: make(map[member]map[*Conn]struct{})}
}

// Subscribe registers a new connection of userID to gameID.
func (h *Hub) Subscribe(gameID, userID string, format packet.Format) *Conn {
	c := &Conn{
		ID:      uuid.NewString(),
		GameID:  gameID,
		UserID:  userID,
		Format:  format,
		Out:     make(chan Frame, h.opts.Queue),
		hub:     h,
		limiter: rate.NewLimiter(rate.Limit(h.opts.Rate), h.opts.Burst),
	}
	k := member{gameID, userID}
	h.mu.Lock()
	if h.conns[k] == nil {
		h.conns[k] = make(map[*Conn]struct{})
	}
	h.conns[k][c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Unsubscribe removes a connection. The caller stops reading c.Out.
func (h *Hub) Unsubscribe(c *Conn) {
	k := member{c.GameID, c.UserID}
	h.mu.Lock()
	delete(h.conns[k], c)
	if len(h.conns[k]) == 0 {
		delete(h.conns, k)
	}
	h.mu.Unlock()
}

// Send delivers env to every connection userID has open to gameID, encoding
// once per format.
func (h *Hub) Send(gameID, userID string, env packet.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var frames [2]*Frame
	for c := range h.conns[member{gameID, userID}] {
		f := frames[c.Format]
		if f == nil {
			data, err := packet.Encode(c.Format, env)
			if err != nil {
				h.logger.Error("encoding packet failed", "game", gameID, "user", userID, "type", env.Type, "error", err)
				return
			}
			f = &Frame{Data: data, Binary: c.Format.Binary()}
			frames[c.Format] = f
		}
		c.push(*f)
	}
}

func (h *Hub) Connected(gameID, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[member{gameID, userID}]) > 0
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, cs := range h.conns {
		n += len(cs)
	}
	return n
}
