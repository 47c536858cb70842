package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

func TestAllowBurstThenRefuse(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1", now) {
			t.Fatalf("burst request %d refused", i)
		}
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatal("request beyond burst allowed")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := New(2, 1, time.Minute)
	now := time.Now()

	if !l.Allow("10.0.0.1", now) {
		t.Fatal("first request refused")
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatal("second immediate request allowed")
	}
	// 2 rps means one token back after 500ms.
	if !l.Allow("10.0.0.1", now.Add(600*time.Millisecond)) {
		t.Fatal("request refused after refill interval")
	}
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("10.0.0.1", now) {
		t.Fatal("first key refused")
	}
	if l.Allow("10.0.0.1", now) {
		t.Fatal("exhausted key allowed")
	}
	if !l.Allow("10.0.0.2", now) {
		t.Fatal("fresh key refused")
	}
}

func TestAllowEmptyKey(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if !l.Allow("", now) {
			t.Fatal("empty key refused")
		}
		if !l.Allow("   ", now) {
			t.Fatal("blank key refused")
		}
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	now := time.Now()

	for i := 0; i < 10; i++ {
		if !l.Allow("10.0.0.1", now) {
			t.Fatal("nil limiter refused a request")
		}
	}
	if New(0, 5, time.Minute) != nil {
		t.Fatal("zero rate did not produce nil limiter")
	}
	if New(5, 0, time.Minute) != nil {
		t.Fatal("zero burst did not produce nil limiter")
	}
}

func TestIdleEviction(t *testing.T) {
	l := New(1000, 1000, time.Second)
	now := time.Now()

	l.Allow("stale", now)
	l.mu.Lock()
	_, ok := l.byKey["stale"]
	l.mu.Unlock()
	if !ok {
		t.Fatal("stale bucket not recorded")
	}

	// The sweep runs every 512th call; drive it past that with fresh keys
	// after the stale entry's TTL has lapsed.
	later := now.Add(2 * time.Second)
	for i := 0; i < 600; i++ {
		l.Allow(fmt.Sprintf("fresh-%d", i%8), later)
	}

	l.mu.Lock()
	_, ok = l.byKey["stale"]
	l.mu.Unlock()
	if ok {
		t.Fatal("stale bucket survived eviction sweep")
	}
}
