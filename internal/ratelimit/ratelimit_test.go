package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_Burst(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("client") {
			t.Fatalf("request %d within burst should be allowed", i)
		}
	}
	if l.Allow("client") {
		t.Error("request beyond burst should be denied")
	}
}

func TestAllow_IndependentKeys(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	if !l.Allow("a") {
		t.Error("first request for a should pass")
	}
	if !l.Allow("b") {
		t.Error("first request for b should pass")
	}
	if l.Allow("a") {
		t.Error("second immediate request for a should be denied")
	}
}

func TestAllow_Refills(t *testing.T) {
	l := New(Config{RequestsPerMinute: 6000, BurstSize: 1, CleanupInterval: time.Minute})
	defer l.Stop()

	l.Allow("c")
	if l.Allow("c") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(50 * time.Millisecond) // 100 tokens/sec refill
	if !l.Allow("c") {
		t.Error("bucket should have refilled")
	}
}
