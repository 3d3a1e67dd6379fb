// Package cache keeps last known player positions in Redis so a restarted
// process can restore them. Every call goes through a circuit breaker; while
// Redis is down calls fail fast with ErrUnavailable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/playperu/territory/internal/geo"
)

var ErrUnavailable = errors.New("location cache unavailable")

type Options struct {
	TTL time.Duration
	// Consecutive failures before the breaker opens.
	MaxFailures uint32
	// How long the breaker stays open before letting a probe through.
	OpenTimeout time.Duration
}

func (o *Options) withDefaults() {
	if o.TTL <= 0 {
		o.TTL = 6 * time.Hour
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
}

// LocationCache implements live.LocationCache on Redis.
type LocationCache struct {
	rdb     *redis.Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
}

func NewLocationCache(rdb *redis.Client, logger *slog.Logger, opts Options) *LocationCache {
	opts.withDefaults()
	settings := gobreaker.Settings{
		Name:        "redis-locations",
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &LocationCache{rdb: rdb, ttl: opts.TTL, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func key(gameID, userID string) string {
	return fmt.Sprintf("territory:location:%s:%s", gameID, userID)
}

// location is the cached value; msgpack keeps it small.
type location struct {
	Lat float64   `msgpack:"lat"`
	Lon float64   `msgpack:"lon"`
	At  time.Time `msgpack:"at"`
}

func (c *LocationCache) SaveLocation(ctx context.Context, gameID, userID string, pos geo.Position) error {
	data, err := msgpack.Marshal(location{Lat: pos.Coordinate.Latitude, Lon: pos.Coordinate.Longitude, At: pos.At})
	if err != nil {
		return fmt.Errorf("encoding location: %w", err)
	}
	_, err = c.execute(func() (any, error) {
		return nil, c.rdb.Set(ctx, key(gameID, userID), data, c.ttl).Err()
	})
	return err
}

// LoadLocation returns the cached position; ok is false when none is stored.
func (c *LocationCache) LoadLocation(ctx context.Context, gameID, userID string) (geo.Position, bool, error) {
	v, err := c.execute(func() (any, error) {
		data, err := c.rdb.Get(ctx, key(gameID, userID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil || v == nil {
		return geo.Position{}, false, err
	}

	var loc location
	if err := msgpack.Unmarshal(v.([]byte), &loc); err != nil {
		return geo.Position{}, false, fmt.Errorf("decoding location: %w", err)
	}
	coord, err := geo.New(loc.Lat, loc.Lon)
	if err != nil {
		return geo.Position{}, false, err
	}
	return geo.Position{Coordinate: coord, At: loc.At}, true, nil
}

// Check reports whether Redis answers, bypassing the breaker.
func (c *LocationCache) Check(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *LocationCache) execute(op func() (any, error)) (any, error) {
	v, err := c.breaker.Execute(op)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	return v, nil
}
