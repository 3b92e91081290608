package middleware

import "testing"

func TestCommandLimiter_Disabled(t *testing.T) {
	l := NewCommandLimiter(0, 10)
	if l != nil {
		t.Fatal("expected nil limiter for zero rate")
	}
	for i := 0; i < 1000; i++ {
		if !l.Allow() {
			t.Fatal("nil limiter must allow every command")
		}
	}
	if l.RetryAfter() != 0 {
		t.Error("nil limiter should never ask to wait")
	}
}

func TestCommandLimiter_Burst(t *testing.T) {
	l := NewCommandLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Errorf("command %d should be allowed within burst", i)
		}
	}
	if l.Allow() {
		t.Error("command beyond burst should be rejected")
	}
	if l.RetryAfter() <= 0 {
		t.Error("expected positive retry delay once exhausted")
	}
}

func TestCommandLimiter_MinimumBurst(t *testing.T) {
	l := NewCommandLimiter(5, 0)
	if !l.Allow() {
		t.Error("burst should be clamped to at least one")
	}
}
