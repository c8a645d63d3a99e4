package ratelimit

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 3, CleanupInterval: time.Hour})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("a") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if l.Allow("a") {
		t.Fatal("request beyond burst should be rejected")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1, CleanupInterval: time.Hour})
	defer l.Stop()

	if !l.Allow("a") {
		t.Fatal("first request for a should pass")
	}
	if !l.Allow("b") {
		t.Fatal("first request for b should pass")
	}
	if l.Allow("a") {
		t.Fatal("second request for a should be rejected")
	}
}

func TestTokensRefill(t *testing.T) {
	l := New(Config{RequestsPerSecond: 100, Burst: 1, CleanupInterval: time.Hour})
	defer l.Stop()

	if !l.Allow("a") {
		t.Fatal("first request should pass")
	}
	if l.Allow("a") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow("a") {
		t.Fatal("bucket should have refilled")
	}
}
