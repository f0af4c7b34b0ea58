package farmagent

import (
	"testing"
	"time"
)

func TestBackoffPolicyNextInterval(t *testing.T) {
	policy := BackoffPolicy{Base: 5 * time.Second, IdleMultiplier: 3, ErrorMultiplier: 5}
	cases := map[TickOutcome]time.Duration{
		TickDispatched: 5 * time.Second,
		TickContended:  5 * time.Second,
		TickSaturated:  15 * time.Second,
		TickNoDevice:   15 * time.Second,
		TickNoTask:     15 * time.Second,
		TickError:      25 * time.Second,
	}
	for outcome, want := range cases {
		if got := policy.NextInterval(outcome); got != want {
			t.Fatalf("%s: expected %s, got %s", outcome, want, got)
		}
	}
}

func TestBackoffPolicyDefaults(t *testing.T) {
	var policy BackoffPolicy
	if got := policy.NextInterval(TickError); got != defaultPollInterval {
		t.Fatalf("expected default poll interval, got %s", got)
	}
	if TickOutcome(42).String() != "unknown" {
		t.Fatalf("unexpected name for an unknown outcome")
	}
}
