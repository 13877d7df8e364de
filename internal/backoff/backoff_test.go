package backoff

import (
	"testing"
	"time"
)

func TestComputeDelay(t *testing.T) {
	const ms = time.Millisecond
	tests := []struct {
		name    string
		attempt int
		base    time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"first retry", 1, 2000 * ms, 30000 * ms, 4000 * ms},
		{"second retry", 2, 2000 * ms, 30000 * ms, 8000 * ms},
		{"fourth retry", 3, 2000 * ms, 30000 * ms, 16000 * ms},
		{"capped", 5, 2000 * ms, 30000 * ms, 30000 * ms},
		{"exactly max", 4, 1875 * ms, 30000 * ms, 30000 * ms},
		{"zero attempt treated as one", 0, 1000 * ms, 30000 * ms, 2000 * ms},
		{"huge attempt", 500, time.Second, time.Minute, time.Minute},
		{"overflow boundary", 61, time.Second, time.Hour, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeDelay(tt.attempt, tt.base, tt.max)
			if got != tt.want {
				t.Errorf("ComputeDelay(%d, %v, %v) = %v, want %v", tt.attempt, tt.base, tt.max, got, tt.want)
			}
		})
	}
}

func TestComputeDelayMatchesFormula(t *testing.T) {
	base := 250 * time.Millisecond
	max := 45 * time.Second
	for n := 1; n <= 20; n++ {
		want := base * time.Duration(1<<uint(n))
		if want > max {
			want = max
		}
		if got := ComputeDelay(n, base, max); got != want {
			t.Fatalf("attempt %d: got %v, want %v", n, got, want)
		}
	}
}

func TestPolicyNext(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second, MaxAttempts: 3}

	for attempt := 1; attempt <= 3; attempt++ {
		if _, ok := p.Next(attempt); !ok {
			t.Fatalf("attempt %d should be permitted", attempt)
		}
	}
	if _, ok := p.Next(4); ok {
		t.Fatal("attempt past the cap should be refused")
	}

	unlimited := Policy{Base: time.Second, Max: 10 * time.Second}
	if d, ok := unlimited.Next(1000); !ok || d != 10*time.Second {
		t.Fatalf("unlimited Next(1000) = %v, %v", d, ok)
	}
}
