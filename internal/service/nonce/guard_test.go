package nonce_test

import (
	"context"
	"errors"
	"testing"

	repo "e2e_mediator/internal/repository/nonce"
	"e2e_mediator/internal/service/nonce"
	"e2e_mediator/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBatchWithDuplicateStoresOnce(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryRepo()
	g := nonce.NewGuard(store)
	n := []byte("0123456789abcdef0123456789abcdef")

	if err := g.MarkProcessedBatch(ctx, [][]byte{n, n}); err != nil {
		t.Fatalf("mark batch: %v", err)
	}
	if count, _ := g.Count(ctx); count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	ok, err := g.IsProcessed(ctx, n)
	if err != nil || !ok {
		t.Fatalf("IsProcessed = %v, %v", ok, err)
	}

	// again, across calls
	if err := g.MarkProcessed(ctx, n); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if count, _ := g.Count(ctx); count != 1 {
		t.Fatalf("count after re-mark = %d, want 1", count)
	}
}

func TestNilNonce(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	ctx := context.Background()
	g := nonce.NewGuard(repo.NewMemoryRepo())

	ok, err := g.IsProcessed(ctx, nil)
	if err != nil || !ok {
		t.Fatalf("IsProcessed(nil) = %v, %v", ok, err)
	}
	if logs.Len() != 1 {
		t.Fatalf("logged %d warnings, want 1", logs.Len())
	}

	if err := g.MarkProcessed(ctx, nil); !errors.Is(err, nonce.ErrNonceIsNil) {
		t.Fatalf("MarkProcessed(nil): want ErrNonceIsNil, got %v", err)
	}
	if err := g.MarkProcessedBatch(ctx, [][]byte{[]byte("a"), {}}); !errors.Is(err, nonce.ErrNonceIsNil) {
		t.Fatalf("batch with empty nonce: want ErrNonceIsNil, got %v", err)
	}
	if count, _ := g.Count(ctx); count != 0 {
		t.Fatalf("batch with nil nonce wrote %d records", count)
	}
}

func TestGuardOnRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	g := nonce.NewGuard(repo.NewRedisRepo(redis.NewRedis(rdb), "nonces:test"))
	a, b := []byte{0xaa}, []byte{0xbb}

	if err := g.MarkProcessedBatch(ctx, [][]byte{a, b, a}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	for _, n := range [][]byte{a, b} {
		if ok, _ := g.IsProcessed(ctx, n); !ok {
			t.Fatalf("%x not processed", n)
		}
	}
	if ok, _ := g.IsProcessed(ctx, []byte{0xcc}); ok {
		t.Fatalf("unknown nonce processed")
	}
	if count, _ := g.Count(ctx); count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
}
