package idempotency

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/parking-occupancy/internal/config"
)

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := config.IdempotencyConfig{Enabled: true, Prefix: "idempotency", TTL: 24 * time.Hour, LockTTL: 30 * time.Second}
	return New(rdb, cfg, nil), mr
}

func TestExecuteReplaysStoredRecord(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()
	var calls int32
	op := func(context.Context) (Record, error) {
		n := atomic.AddInt32(&calls, 1)
		body := []byte(`{"amount":20,"call":` + string(rune('0'+n)) + `}`)
		return Record{Status: http.StatusOK, ContentType: "application/json", Body: body}, nil
	}

	first, replayed, err := g.Execute(ctx, "k-1", op)
	if err != nil || replayed {
		t.Fatalf("first: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := g.Execute(ctx, "k-1", op)
	if err != nil || !replayed {
		t.Fatalf("second: replayed=%v err=%v", replayed, err)
	}
	if calls != 1 {
		t.Fatalf("op called %d times, want 1", calls)
	}
	if second.Status != first.Status || !bytes.Equal(second.Body, first.Body) || second.ContentType != first.ContentType {
		t.Fatalf("replay differs: %+v vs %+v", second, first)
	}
	if ttl := mr.TTL("idempotency:k-1"); ttl != 24*time.Hour {
		t.Fatalf("record ttl = %v, want 24h", ttl)
	}
	if mr.Exists("idempotency:k-1:lock") {
		t.Fatal("in-flight marker left behind")
	}
}

func TestExecuteStoresDomainErrorsButNotRetryableOnes(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()

	for _, tc := range []struct {
		status int
		stored bool
	}{
		{http.StatusConflict, true},
		{http.StatusPaymentRequired, true},
		{http.StatusTooManyRequests, false},
		{http.StatusServiceUnavailable, false},
	} {
		key := "status-" + http.StatusText(tc.status)
		_, _, err := g.Execute(ctx, key, func(context.Context) (Record, error) {
			return Record{Status: tc.status, Body: []byte(`{}`)}, nil
		})
		if err != nil {
			t.Fatalf("%d: %v", tc.status, err)
		}
		if got := mr.Exists("idempotency:" + key); got != tc.stored {
			t.Errorf("status %d stored=%v, want %v", tc.status, got, tc.stored)
		}
	}
}

func TestExecuteOperationErrorIsNotStored(t *testing.T) {
	g, mr := newTestGuard(t)
	boom := errors.New("boom")
	_, _, err := g.Execute(context.Background(), "k-err", func(context.Context) (Record, error) {
		return Record{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if mr.Exists("idempotency:k-err") {
		t.Fatal("failed operation was stored")
	}
}

func TestExecuteInProgress(t *testing.T) {
	g, mr := newTestGuard(t)
	if err := mr.Set("idempotency:busy:lock", "x"); err != nil {
		t.Fatal(err)
	}
	called := false
	_, _, err := g.Execute(context.Background(), "busy", func(context.Context) (Record, error) {
		called = true
		return Record{Status: 200}, nil
	})
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("err = %v, want ErrInProgress", err)
	}
	if called {
		t.Fatal("op ran while another request held the key")
	}
}

func TestExecuteReleasesOnlyItsOwnMarker(t *testing.T) {
	g, mr := newTestGuard(t)
	lock := "idempotency:slow:lock"

	_, _, err := g.Execute(context.Background(), "slow", func(context.Context) (Record, error) {
		// The marker expires mid-operation and a duplicate request takes it.
		mr.FastForward(31 * time.Second)
		if mr.Exists(lock) {
			t.Error("marker outlived its TTL")
		}
		if err := mr.Set(lock, "later-request"); err != nil {
			t.Fatal(err)
		}
		return Record{Status: http.StatusOK}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := mr.Get(lock)
	if err != nil || got != "later-request" {
		t.Fatalf("later request's marker = %q, %v", got, err)
	}

	_, _, err = g.Execute(context.Background(), "quick", func(context.Context) (Record, error) {
		return Record{Status: http.StatusOK}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if mr.Exists("idempotency:quick:lock") {
		t.Fatal("own marker left behind")
	}
}

func TestExecuteUnguardedWhenStoreDown(t *testing.T) {
	g, mr := newTestGuard(t)
	mr.Close()
	var calls int
	op := func(context.Context) (Record, error) {
		calls++
		return Record{Status: 200}, nil
	}
	for i := 0; i < 2; i++ {
		if _, replayed, err := g.Execute(context.Background(), "k", op); err != nil || replayed {
			t.Fatalf("replayed=%v err=%v", replayed, err)
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestExecuteWithoutKeyBypasses(t *testing.T) {
	g, mr := newTestGuard(t)
	_, _, _ = g.Execute(context.Background(), "", func(context.Context) (Record, error) {
		return Record{Status: 200}, nil
	})
	if keys := mr.Keys(); len(keys) != 0 {
		t.Fatalf("keys written without an idempotency key: %v", keys)
	}
}
