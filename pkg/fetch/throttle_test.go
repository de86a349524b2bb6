package fetch

import (
	"context"
	"testing"
	"time"
)

func TestThrottle_NoDelayOnFirstCall(t *testing.T) {
	th := NewThrottle(0, time.Second, testLogger())

	start := time.Now()
	if err := th.Wait(context.Background(), "fresh.example"); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("first Wait took %v, expected no delay", elapsed)
	}
}

func TestThrottle_SpacesCallsToSameDomain(t *testing.T) {
	th := NewThrottle(0, 100*time.Millisecond, testLogger())
	ctx := context.Background()

	if err := th.Wait(ctx, "shop.example"); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	start := time.Now()
	if err := th.Wait(ctx, "shop.example"); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	elapsed := time.Since(start)

	// Allow for jitter (+/- 10%) and timer imprecision
	if elapsed < 50*time.Millisecond {
		t.Errorf("second Wait returned too quickly: %v, expected ~100ms", elapsed)
	}
	if elapsed > 400*time.Millisecond {
		t.Errorf("second Wait took too long: %v, expected ~100ms", elapsed)
	}
}

func TestThrottle_DomainsAreIndependent(t *testing.T) {
	th := NewThrottle(0, time.Second, testLogger())
	ctx := context.Background()

	_ = th.Wait(ctx, "a.example")
	start := time.Now()
	if err := th.Wait(ctx, "b.example"); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Wait for a different domain took %v, expected no delay", elapsed)
	}
}

func TestThrottle_RespectsContextCancellation(t *testing.T) {
	th := NewThrottle(0, 5*time.Second, testLogger())
	_ = th.Wait(context.Background(), "shop.example")

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // pre-cancel

	start := time.Now()
	err := th.Wait(ctx, "shop.example")
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Wait with cancelled context took %v, expected <100ms", elapsed)
	}
}

func TestThrottle_GlobalRate(t *testing.T) {
	th := NewThrottle(20, 0, testLogger()) // burst 20, then 50ms apart
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := th.Wait(ctx, "burst.example"); err != nil {
			t.Fatalf("Wait %d returned error: %v", i, err)
		}
	}

	start := time.Now()
	if err := th.Wait(ctx, "burst.example"); err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("call past the burst returned after %v, expected limiter delay", elapsed)
	}
}
