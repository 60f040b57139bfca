package reccache

import (
	"testing"
	"time"
)

func TestReplaceAndGet(t *testing.T) {
	c := New()
	now := time.Now()

	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 300}}, false, now)

	got, ok := c.Get("example.test.", 1, now.Add(10*time.Second))
	if !ok {
		t.Fatal("expected a hit")
	}
	if len(got) != 1 || got[0].TTL != 290 {
		t.Fatalf("got %+v, want TTL reduced to 290", got)
	}
}

func TestGetExpired(t *testing.T) {
	c := New()
	now := time.Now()

	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 5}}, false, now)

	if _, ok := c.Get("example.test.", 1, now.Add(10*time.Second)); ok {
		t.Fatal("expected a miss once TTL has elapsed")
	}
}

func TestAuthoritativeWinsOverNonAuthoritative(t *testing.T) {
	c := New()
	now := time.Now()

	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 300}}, true, now)
	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 300, Rdata: "glue"}}, false, now)

	got, _ := c.Get("example.test.", 1, now)
	if len(got) != 1 || got[0].Rdata != nil {
		t.Fatalf("expected the authoritative entry to survive, got %+v", got)
	}
}

func TestAuthoritativeReplacesNonAuthoritative(t *testing.T) {
	c := New()
	now := time.Now()

	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 300, Rdata: "glue"}}, false, now)
	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 300}}, true, now)

	got, _ := c.Get("example.test.", 1, now)
	if len(got) != 1 || got[0].Rdata != nil {
		t.Fatalf("expected the authoritative replace to win, got %+v", got)
	}
}

func TestTTLClamp(t *testing.T) {
	c := New(WithTTL(10 * time.Second))
	now := time.Now()

	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 3600}}, true, now)

	got, ok := c.Get("example.test.", 1, now)
	if !ok || got[0].TTL != 10 {
		t.Fatalf("got %+v, want TTL clamped to 10", got)
	}
}

func TestHitsAndMisses(t *testing.T) {
	c := New()
	now := time.Now()

	c.Get("missing.test.", 1, now)
	c.Replace("present.test.", 1, []Record{{Owner: "present.test.", Type: 1, TTL: 60}}, true, now)
	c.Get("present.test.", 1, now)

	if c.Misses() != 1 {
		t.Fatalf("Misses() = %d, want 1", c.Misses())
	}
	if c.Hits() != 1 {
		t.Fatalf("Hits() = %d, want 1", c.Hits())
	}
}

func TestWithCacheSizePanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a non-positive cache size")
		}
	}()
	WithCacheSize(0)
}

func TestWithStalePanicsBelowOneHour(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for staleUpTo below 1 hour")
		}
	}()
	WithStale(time.Minute, false)
}

func TestStaleServe(t *testing.T) {
	c := New(WithStale(2*time.Hour, false))
	now := time.Now()

	c.Replace("example.test.", 1, []Record{{Owner: "example.test.", Type: 1, TTL: 60}}, true, now)

	got, ok := c.Get("example.test.", 1, now.Add(90*time.Second))
	if !ok {
		t.Fatal("expected a stale hit within staleUpTo")
	}
	if got[0].TTL != 0 {
		t.Fatalf("stale record TTL = %d, want 0", got[0].TTL)
	}
}
