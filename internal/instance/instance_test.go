package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	memorystore "github.com/mydriatech/fragtale/internal/storage/memory"
)

func TestTwoCoordinatorsClaimDistinctIDs(t *testing.T) {
	backend := memorystore.New()
	c1 := New(Options{Backend: backend, MaxInstances: 4, LeaseTTL: time.Hour, ClaimAttempts: 4})
	c2 := New(Options{Backend: backend, MaxInstances: 4, LeaseTTL: time.Hour, ClaimAttempts: 4})

	id1, err := c1.Start(context.Background())
	if err != nil {
		t.Fatalf("c1 start: %v", err)
	}
	id2, err := c2.Start(context.Background())
	if err != nil {
		t.Fatalf("c2 start: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected distinct instance ids, both got %d", id1)
	}
	if id1 != 0 && id2 != 0 {
		t.Fatalf("expected one coordinator to claim instance 0, got %d and %d", id1, id2)
	}
	_ = c1.Stop(context.Background())
	_ = c2.Stop(context.Background())
}

func TestNoInstanceIDAvailable(t *testing.T) {
	backend := memorystore.New()
	c1 := New(Options{Backend: backend, MaxInstances: 1, LeaseTTL: time.Hour, ClaimAttempts: 1})
	if _, err := c1.Start(context.Background()); err != nil {
		t.Fatalf("c1 start: %v", err)
	}
	c2 := New(Options{Backend: backend, MaxInstances: 1, LeaseTTL: time.Hour, ClaimAttempts: 1})
	if _, err := c2.Start(context.Background()); !errors.Is(err, fragtaleerr.ErrNoInstanceIDAvailable) {
		t.Fatalf("expected ErrNoInstanceIDAvailable, got %v", err)
	}
}

func TestReleasedInstanceIsReclaimable(t *testing.T) {
	backend := memorystore.New()
	c1 := New(Options{Backend: backend, MaxInstances: 1, LeaseTTL: time.Hour, ClaimAttempts: 1})
	if _, err := c1.Start(context.Background()); err != nil {
		t.Fatalf("c1 start: %v", err)
	}
	if err := c1.Stop(context.Background()); err != nil {
		t.Fatalf("c1 stop: %v", err)
	}
	c2 := New(Options{Backend: backend, MaxInstances: 1, LeaseTTL: time.Hour, ClaimAttempts: 1})
	if _, err := c2.Start(context.Background()); err != nil {
		t.Fatalf("c2 should reclaim released instance id: %v", err)
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	backend := memorystore.New()
	now := time.Now()
	c1 := New(Options{
		Backend: backend, MaxInstances: 1, LeaseTTL: time.Millisecond, ClaimAttempts: 1,
		NowFunc: func() time.Time { return now },
	})
	if _, err := c1.Start(context.Background()); err != nil {
		t.Fatalf("c1 start: %v", err)
	}
	defer c1.Stop(context.Background())

	later := now.Add(time.Hour)
	c2 := New(Options{
		Backend: backend, MaxInstances: 1, LeaseTTL: time.Hour, ClaimAttempts: 1,
		NowFunc: func() time.Time { return later },
	})
	if _, err := c2.Start(context.Background()); err != nil {
		t.Fatalf("c2 should reclaim expired instance id: %v", err)
	}
}
