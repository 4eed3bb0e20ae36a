package replay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemory_SingleUse(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()

	fresh, err := g.Consume(ctx, "n1", time.Minute)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if !fresh {
		t.Fatal("first Consume should report fresh")
	}

	fresh, _ = g.Consume(ctx, "n1", time.Minute)
	if fresh {
		t.Error("second Consume should report replay")
	}
}

func TestMemory_ExpiredNonceIsFreshAgain(t *testing.T) {
	g := NewMemory()
	now := time.Now()
	g.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	g.Consume(ctx, "n1", time.Second)

	// Before expiry: replay.
	now = now.Add(999 * time.Millisecond)
	if fresh, _ := g.Consume(ctx, "n1", time.Second); fresh {
		t.Error("unexpired nonce should be a replay")
	}

	// At expiry: reusable.
	now = now.Add(1 * time.Millisecond)
	if fresh, _ := g.Consume(ctx, "n1", time.Second); !fresh {
		t.Error("expired nonce should be fresh again")
	}
}

func TestMemory_Sweep(t *testing.T) {
	g := NewMemory()
	now := time.Now()
	g.nowFunc = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		g.Consume(ctx, fmt.Sprintf("n%d", i), time.Second)
	}
	if g.Len() != 10 {
		t.Fatalf("expected 10 entries, got %d", g.Len())
	}

	now = now.Add(2 * time.Second)
	g.Consume(ctx, "fresh", time.Second) // triggers sweep
	if g.Len() != 1 {
		t.Errorf("expected 1 entry after sweep, got %d", g.Len())
	}
}

func TestMemory_CapacityBound(t *testing.T) {
	g := NewMemoryWithCapacity(4)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		g.Consume(ctx, fmt.Sprintf("n%d", i), time.Minute)
	}
	if g.Len() > 4 {
		t.Errorf("capacity exceeded: %d entries", g.Len())
	}
	// Most recent nonce must still be tracked.
	if fresh, _ := g.Consume(ctx, "n9", time.Minute); fresh {
		t.Error("n9 should still be a replay")
	}
}

func TestMemory_ConcurrentConsume(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	var freshCount sync.Map
	successes := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if fresh, _ := g.Consume(ctx, "contested", time.Minute); fresh {
				freshCount.Store(id, true)
				successes <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(successes)

	n := 0
	for range successes {
		n++
	}
	if n != 1 {
		t.Errorf("expected exactly 1 fresh consume, got %d", n)
	}
}
