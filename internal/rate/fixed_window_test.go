package rate

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestFixedWindow_LimitWithinWindow(t *testing.T) {
	fw := NewFixedWindow(0)
	now := time.Unix(1_700_000_000, 0)
	fw.nowFunc = func() time.Time { return now }

	var d Decision
	for i := 1; i <= 30; i++ {
		d = fw.Check("k", 30, time.Minute)
		if !d.Allowed {
			t.Fatalf("request %d denied", i)
		}
		if d.Remaining != 30-i {
			t.Fatalf("request %d: remaining %d, want %d", i, d.Remaining, 30-i)
		}
	}
	if d.Remaining != 0 {
		t.Errorf("remaining after 30th = %d, want 0", d.Remaining)
	}

	now = now.Add(59 * time.Second)
	d = fw.Check("k", 30, time.Minute)
	if d.Allowed {
		t.Error("31st request should be denied")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining must not go negative, got %d", d.Remaining)
	}
	if d.ResetEpoch() != 1_700_000_060 {
		t.Errorf("reset epoch = %d, want %d", d.ResetEpoch(), 1_700_000_060)
	}
	if ra := d.RetryAfter(now); ra != 1 {
		t.Errorf("retry after = %d, want 1", ra)
	}
}

func TestFixedWindow_ResetsAtBoundary(t *testing.T) {
	fw := NewFixedWindow(0)
	now := time.Unix(1_700_000_000, 0)
	fw.nowFunc = func() time.Time { return now }

	for i := 0; i < 31; i++ {
		fw.Check("k", 30, time.Minute)
	}

	now = now.Add(time.Minute)
	d := fw.Check("k", 30, time.Minute)
	if !d.Allowed {
		t.Fatal("first request of the new window should be allowed")
	}
	if d.Remaining != 29 {
		t.Errorf("count should restart at 1, remaining = %d", d.Remaining)
	}
	if !d.ResetAt.Equal(now.Add(time.Minute)) {
		t.Errorf("reset at = %v, want %v", d.ResetAt, now.Add(time.Minute))
	}
}

func TestFixedWindow_KeysAreIndependent(t *testing.T) {
	fw := NewFixedWindow(0)
	fw.Check("a", 1, time.Minute)
	if d := fw.Check("a", 1, time.Minute); d.Allowed {
		t.Error("second request on a should be denied")
	}
	if d := fw.Check("b", 1, time.Minute); !d.Allowed {
		t.Error("b has its own bucket")
	}
}

func TestFixedWindow_Defaults(t *testing.T) {
	fw := NewFixedWindow(0)
	d := fw.Check("k", 0, 0)
	if d.Limit != DefaultLimit || d.Window != DefaultWindow {
		t.Errorf("got limit %d window %v", d.Limit, d.Window)
	}
}

func TestFixedWindow_BoundedCapacity(t *testing.T) {
	fw := NewFixedWindow(3)
	for i := 0; i < 10; i++ {
		fw.Check(fmt.Sprintf("k%d", i), 5, time.Minute)
	}
	if fw.Len() != 3 {
		t.Errorf("tracked keys = %d, want 3", fw.Len())
	}
}

func TestFixedWindow_Concurrent(t *testing.T) {
	fw := NewFixedWindow(0)
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if fw.Check("shared", 30, time.Minute).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 30 {
		t.Errorf("allowed = %d, want exactly 30", allowed)
	}
}

func TestKey(t *testing.T) {
	got := Key("tripp-web", "203.0.113.7", "", "", "/api/chat")
	want := "tripp-web|203.0.113.7|anon|nosession|/api/chat"
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
	if Key("c", "ip", "u1", "s1", "/r") == Key("c", "ip", "u2", "s1", "/r") {
		t.Error("different users must not share a key")
	}
}

func TestDecision_Headers(t *testing.T) {
	d := Decision{Limit: 30, Remaining: 4, ResetAt: time.Unix(1_700_000_060, 0)}
	h := d.Headers()
	if h["X-RateLimit-Limit"] != "30" || h["X-RateLimit-Remaining"] != "4" || h["X-RateLimit-Reset"] != "1700000060" {
		t.Errorf("unexpected headers %v", h)
	}
}
