package farmagent

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"
)

// PatternAction names one humanizing gesture.
type PatternAction string

const (
	PatternScroll PatternAction = "scroll"
	PatternPause  PatternAction = "pause"
	PatternTap    PatternAction = "tap"
)

// InteractionPattern is one entry of the human-simulation catalogue.
type InteractionPattern struct {
	Action PatternAction `yaml:"action"`
	// Count repeats a scroll.
	Count int `yaml:"count,omitempty"`
	// Pause is the duration of a pause.
	Pause time.Duration `yaml:"pause,omitempty"`
	// X, Y and Jitter describe a tap around a point.
	X      int `yaml:"x,omitempty"`
	Y      int `yaml:"y,omitempty"`
	Jitter int `yaml:"jitter,omitempty"`
}

func (p InteractionPattern) validate() error {
	switch p.Action {
	case PatternScroll:
		if p.Count < 0 {
			return errors.New("scroll count must not be negative")
		}
	case PatternPause:
		if p.Pause < 0 {
			return errors.New("pause must not be negative")
		}
	case PatternTap:
		if p.Jitter < 0 {
			return errors.New("tap jitter must not be negative")
		}
	default:
		return errors.Errorf("unknown pattern action %q", p.Action)
	}
	return nil
}

// DefaultInteractionPatterns returns the built-in catalogue.
func DefaultInteractionPatterns() []InteractionPattern {
	return []InteractionPattern{
		{Action: PatternScroll, Count: 3},
		{Action: PatternPause, Pause: 5 * time.Second},
		{Action: PatternScroll, Count: 2},
		{Action: PatternTap, X: 500, Y: 500, Jitter: 50},
	}
}

// Rand is the randomness the executor draws from.
type Rand interface {
	IntN(n int) int
	Float64() float64
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }
func (globalRand) Float64() float64 { return rand.Float64() }

// between returns a uniform int in [lo, hi].
func between(r Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + r.IntN(hi-lo+1)
}

// durationBetween returns a uniform duration in [lo, hi].
func durationBetween(r Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.IntN(int(hi-lo)+1))
}

// chance reports true with probability p.
func chance(r Rand, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.Float64() < p
}

// simulateHuman picks one pattern at random, plays it and returns the
// pattern's action.
func (e *Executor) simulateHuman(ctx context.Context, deviceID string, patterns []InteractionPattern) (PatternAction, error) {
	if len(patterns) == 0 {
		return "", nil
	}
	pattern := patterns[e.rand.IntN(len(patterns))]
	switch pattern.Action {
	case PatternScroll:
		for i := 0; i < pattern.Count; i++ {
			if err := e.humanScroll(ctx, deviceID); err != nil {
				return pattern.Action, err
			}
		}
		return pattern.Action, nil
	case PatternPause:
		return pattern.Action, sleep(ctx, pattern.Pause)
	case PatternTap:
		target := Point{
			X: pattern.X + between(e.rand, -pattern.Jitter, pattern.Jitter),
			Y: pattern.Y + between(e.rand, -pattern.Jitter, pattern.Jitter),
		}
		if _, err := e.shell(ctx, deviceID, tapCommand(target)); err != nil {
			return pattern.Action, err
		}
		return pattern.Action, sleep(ctx, durationBetween(e.rand, e.timings.TapPauseMin, e.timings.TapPauseMax))
	default:
		return pattern.Action, errors.Errorf("unknown pattern action %q", pattern.Action)
	}
}

// humanScroll swipes upward with a randomized path and speed, then pauses.
func (e *Executor) humanScroll(ctx context.Context, deviceID string) error {
	from := Point{X: 500, Y: between(e.rand, 800, 1000)}
	to := Point{X: 500, Y: between(e.rand, 300, 500)}
	duration := between(e.rand, 200, 500)
	if _, err := e.shell(ctx, deviceID, swipeCommand(from, to, duration)); err != nil {
		return err
	}
	return sleep(ctx, durationBetween(e.rand, e.timings.ScrollPauseMin, e.timings.ScrollPauseMax))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
