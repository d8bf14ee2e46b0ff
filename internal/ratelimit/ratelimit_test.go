package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AdmitsUpToCapacity(t *testing.T) {
	l := New(3, 0)
	for i := 0; i < 3; i++ {
		admitted, _ := l.TryAdmit()
		if !admitted {
			t.Fatalf("expected admission %d/3 to succeed", i+1)
		}
	}
	admitted, retryAfter := l.TryAdmit()
	if admitted {
		t.Fatal("expected the 4th request to be denied with no refill")
	}
	if retryAfter <= 0 {
		t.Errorf("expected a positive retry-after hint, got %d", retryAfter)
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(1, 10) // 10 tokens/sec
	admitted, _ := l.TryAdmit()
	if !admitted {
		t.Fatal("expected the first request to be admitted")
	}
	admitted, _ = l.TryAdmit()
	if admitted {
		t.Fatal("expected immediate second request to be denied")
	}

	time.Sleep(150 * time.Millisecond)
	admitted, _ = l.TryAdmit()
	if !admitted {
		t.Fatal("expected a request to be admitted after the bucket refills")
	}
}

func TestLimiter_TokensNeverExceedCapacity(t *testing.T) {
	l := New(5, 100)
	time.Sleep(50 * time.Millisecond)
	if got := l.Tokens(); got > 5 {
		t.Errorf("Tokens() = %v, want <= capacity 5", got)
	}
}

func TestLimiter_ZeroRefillReturnsFixedRetryAfter(t *testing.T) {
	l := New(1, 0)
	admitted, _ := l.TryAdmit()
	if !admitted {
		t.Fatal("expected the first request to be admitted")
	}
	admitted, retryAfter := l.TryAdmit()
	if admitted {
		t.Fatal("expected the second request to be denied with a bucket that never refills")
	}
	if retryAfter != noRefillRetryAfterSecs {
		t.Errorf("retryAfter = %d, want the fixed %d-second backoff", retryAfter, noRefillRetryAfterSecs)
	}
}

func TestLimiter_TokensNeverGoNegative(t *testing.T) {
	l := New(2, 0)
	l.TryAdmit()
	l.TryAdmit()
	l.TryAdmit()
	if got := l.Tokens(); got < 0 {
		t.Errorf("Tokens() = %v, want >= 0", got)
	}
}
