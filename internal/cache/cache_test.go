package cache

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/playperu/territory/internal/geo"
)

func deadRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         "localhost:1",
		DialTimeout:  10 * time.Millisecond,
		ReadTimeout:  10 * time.Millisecond,
		WriteTimeout: 10 * time.Millisecond,
		MaxRetries:   0,
	})
}

func TestKey(t *testing.T) {
	if got := key("g1", "u7"); got != "territory:location:g1:u7" {
		t.Errorf("key = %q", got)
	}
}

func TestBreakerOpensOnDeadRedis(t *testing.T) {
	ctx := context.Background()
	rdb := deadRedis()
	defer rdb.Close()
	c := NewLocationCache(rdb, slog.Default(), Options{MaxFailures: 2, OpenTimeout: time.Minute})

	pos := geo.Position{Coordinate: geo.Coordinate{Latitude: 1, Longitude: 2}, At: time.Now()}
	for i := 0; i < 2; i++ {
		err := c.SaveLocation(ctx, "g1", "u1", pos)
		if err == nil || errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: err = %v, want a redis error", i, err)
		}
	}

	if err := c.SaveLocation(ctx, "g1", "u1", pos); !errors.Is(err, ErrUnavailable) {
		t.Errorf("save with open breaker: %v", err)
	}
	_, ok, err := c.LoadLocation(ctx, "g1", "u1")
	if ok || !errors.Is(err, ErrUnavailable) {
		t.Errorf("load with open breaker: ok=%v err=%v", ok, err)
	}
	if err := c.Check(ctx); err == nil {
		t.Error("check passed against a dead server")
	}
}
