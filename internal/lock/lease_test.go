package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLeaseService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewServiceWithClient(client), srv
}

func TestAcquire_FreshAndContended(t *testing.T) {
	svc, _ := newLeaseService(t)
	ctx := context.Background()

	g, err := svc.Acquire(ctx, "user:1", "tok-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !g.Acquired {
		t.Fatalf("fresh lease must be granted: %+v", g)
	}

	g2, err := svc.Acquire(ctx, "user:1", "tok-b", time.Minute)
	if err != nil {
		t.Fatalf("Acquire contended: %v", err)
	}
	if g2.Acquired {
		t.Fatalf("second owner must not acquire a held lease")
	}
	if g2.RetryAfter <= 0 || g2.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter should reflect the holder's remaining TTL: %v", g2.RetryAfter)
	}

	// Distinct keys are independent.
	g3, err := svc.Acquire(ctx, "user:2", "tok-b", time.Minute)
	if err != nil || !g3.Acquired {
		t.Fatalf("unrelated key must be grantable: %+v %v", g3, err)
	}
}

func TestAcquire_IdempotentReacquireRefreshesTTL(t *testing.T) {
	svc, srv := newLeaseService(t)
	ctx := context.Background()

	if g, _ := svc.Acquire(ctx, "user:1", "tok-a", time.Minute); !g.Acquired {
		t.Fatalf("initial acquire failed")
	}
	srv.FastForward(50 * time.Second) // 10s left

	g, err := svc.Acquire(ctx, "user:1", "tok-a", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !g.Acquired {
		t.Fatalf("same token must re-acquire its own lease")
	}
	if ttl := srv.TTL("lease:user:1"); ttl < 55*time.Second {
		t.Fatalf("re-acquire should refresh the TTL, got %v", ttl)
	}
}

func TestRenew_DistinguishesExpiryFromTakeover(t *testing.T) {
	svc, srv := newLeaseService(t)
	ctx := context.Background()

	if g, _ := svc.Acquire(ctx, "user:1", "tok-a", time.Second); !g.Acquired {
		t.Fatalf("acquire failed")
	}

	if err := svc.Renew(ctx, "user:1", "tok-a", time.Minute); err != nil {
		t.Fatalf("owner renew: %v", err)
	}
	if err := svc.Renew(ctx, "user:1", "tok-b", time.Minute); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign renew must fail ErrNotOwner, got %v", err)
	}

	srv.Del("lease:user:1")
	if err := svc.Renew(ctx, "user:1", "tok-a", time.Minute); !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("renew of a vanished lease must fail ErrLeaseExpired, got %v", err)
	}
}

func TestRelease_OnlyOwnerDeletes(t *testing.T) {
	svc, _ := newLeaseService(t)
	ctx := context.Background()

	if g, _ := svc.Acquire(ctx, "user:1", "tok-a", time.Minute); !g.Acquired {
		t.Fatalf("acquire failed")
	}

	if err := svc.Release(ctx, "user:1", "tok-b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("foreign release must fail ErrNotOwner, got %v", err)
	}
	if err := svc.Release(ctx, "user:1", "tok-a"); err != nil {
		t.Fatalf("owner release: %v", err)
	}

	// Released lease is immediately grantable.
	if g, err := svc.Acquire(ctx, "user:1", "tok-b", time.Minute); err != nil || !g.Acquired {
		t.Fatalf("released lease must be acquirable: %+v %v", g, err)
	}
}
