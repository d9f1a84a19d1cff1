package lease

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisLease(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisLease(client, "lease", time.Minute)
	b := NewRedisLease(client, "lease", time.Minute)

	held, err := a.Acquire(ctx)
	if err != nil || !held {
		t.Fatalf("a.Acquire = %v, %v; want true", held, err)
	}
	if held, _ := b.Acquire(ctx); held {
		t.Fatal("b acquired a lease held by a")
	}

	// Renewal by the holder pushes the expiry out again.
	mr.FastForward(50 * time.Second)
	if held, err := a.Acquire(ctx); err != nil || !held {
		t.Fatalf("renew = %v, %v", held, err)
	}
	mr.FastForward(50 * time.Second)
	if got, _ := mr.Get("lease"); got != a.Owner() {
		t.Fatalf("lease owner = %q, want %q", got, a.Owner())
	}

	// A non-holder cannot release.
	if err := b.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("lease") {
		t.Fatal("b released a's lease")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if held, _ := b.Acquire(ctx); !held {
		t.Fatal("b could not acquire released lease")
	}
}

func TestRedisLease_Expires(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	a := NewRedisLease(client, "", 10*time.Second)
	b := NewRedisLease(client, "", 10*time.Second)
	if held, _ := a.Acquire(ctx); !held {
		t.Fatal("a could not acquire")
	}
	mr.FastForward(11 * time.Second)
	if held, _ := b.Acquire(ctx); !held {
		t.Fatal("b could not take over an expired lease")
	}
}
