package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T) (*AttemptLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewAttemptLock(client), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "lock:a", "attempt-1", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err := l.Acquire(ctx, "lock:a", "attempt-2", time.Minute)
	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("second acquire: got %v, want ErrNotAcquired", err)
	}
}

func TestConcurrentAcquireExactlyOneWinner(t *testing.T) {
	l, _ := newTestLock(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(ctx, "lock:race", "owner", time.Minute); err == nil {
				wins <- i
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("got %d winners, want exactly 1", count)
	}
}

func TestReleaseRequiresOwnership(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "lock:b", "attempt-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// A foreign owner must not free the lock.
	if err := l.Release(ctx, "lock:b", "attempt-2"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if !mr.Exists("lock:b") {
		t.Fatal("foreign release deleted the lock")
	}

	if err := l.Release(ctx, "lock:b", "attempt-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if mr.Exists("lock:b") {
		t.Fatal("owner release left the lock behind")
	}
}

func TestLockExpiresByTTL(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "lock:ttl", "attempt-1", 30*time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	mr.FastForward(31 * time.Second)

	held, err := l.Held(ctx, "lock:ttl", "attempt-1")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if held {
		t.Fatal("lock still held after TTL")
	}

	// A new owner can take the expired key.
	if err := l.Acquire(ctx, "lock:ttl", "attempt-2", time.Minute); err != nil {
		t.Fatalf("re-acquire after expiry: %v", err)
	}
}

func TestHeldDetectsReclaim(t *testing.T) {
	l, mr := newTestLock(t)
	ctx := context.Background()

	if err := l.Acquire(ctx, "lock:c", "attempt-1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if err := l.Acquire(ctx, "lock:c", "attempt-9", time.Minute); err != nil {
		t.Fatalf("reclaim acquire: %v", err)
	}

	held, err := l.Held(ctx, "lock:c", "attempt-1")
	if err != nil {
		t.Fatalf("held: %v", err)
	}
	if held {
		t.Fatal("stale owner still considered holder after reclaim")
	}

	owner, err := l.Owner(ctx, "lock:c")
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if owner != "attempt-9" {
		t.Fatalf("owner = %q, want attempt-9", owner)
	}
}
