package forward

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemCacheExpiresEntries(t *testing.T) {
	c := NewMemCache()
	ctx := context.Background()

	if err := c.MarkUnreachable(ctx, "mx.example.test", 20*time.Millisecond); err != nil {
		t.Fatalf("MarkUnreachable: %v", err)
	}
	unreachable, err := c.Unreachable(ctx, "mx.example.test")
	if err != nil {
		t.Fatalf("Unreachable: %v", err)
	}
	if !unreachable {
		t.Fatal("expected mx.example.test to be marked unreachable")
	}

	time.Sleep(40 * time.Millisecond)
	unreachable, err = c.Unreachable(ctx, "mx.example.test")
	if err != nil {
		t.Fatalf("Unreachable after expiry: %v", err)
	}
	if unreachable {
		t.Fatal("expected entry to have expired")
	}
}

func TestRedisCacheRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCache(client, "")
	ctx := context.Background()

	unreachable, err := cache.Unreachable(ctx, "mx.example.test")
	if err != nil {
		t.Fatalf("Unreachable: %v", err)
	}
	if unreachable {
		t.Fatal("expected no entry before marking")
	}

	if err := cache.MarkUnreachable(ctx, "mx.example.test", time.Minute); err != nil {
		t.Fatalf("MarkUnreachable: %v", err)
	}
	unreachable, err = cache.Unreachable(ctx, "mx.example.test")
	if err != nil {
		t.Fatalf("Unreachable: %v", err)
	}
	if !unreachable {
		t.Fatal("expected mx.example.test to be marked unreachable")
	}

	mr.FastForward(2 * time.Minute)
	unreachable, err = cache.Unreachable(ctx, "mx.example.test")
	if err != nil {
		t.Fatalf("Unreachable after TTL: %v", err)
	}
	if unreachable {
		t.Fatal("expected entry to have expired in redis")
	}
}
