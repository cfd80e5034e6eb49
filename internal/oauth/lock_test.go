package oauth_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/llm-gateway/internal/oauth"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestRedisLock_AcquireAndRelease(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	lock := oauth.NewRedisLock(rdb)
	ctx := context.Background()

	ok, err := lock.TryAcquire(ctx, "acct-1", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = lock.TryAcquire(ctx, "acct-1", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if ok {
		t.Fatal("expected second concurrent acquire to fail")
	}

	if err := lock.Release(ctx, "acct-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	ok, err = lock.TryAcquire(ctx, "acct-1", 10*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	if !ok {
		t.Fatal("expected acquire to succeed again after release")
	}
}
