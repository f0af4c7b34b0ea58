package farmagent

import (
	"strings"
	"sync"
	"time"
)

// rotationLimiter caps how many tasks a single device may start inside a
// sliding window so work rotates across the pool.
type rotationLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	records map[string][]time.Time
}

func newRotationLimiter(limit int, window time.Duration) *rotationLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	return &rotationLimiter{
		limit:   limit,
		window:  window,
		records: make(map[string][]time.Time),
	}
}

// remaining returns how many starts are left for the device; a nil limiter
// never restricts.
func (r *rotationLimiter) remaining(deviceID string, now time.Time) int {
	if r == nil {
		return 1
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pruneLocked(deviceID, now)
	remaining := r.limit - len(list)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (r *rotationLimiter) recordStart(deviceID string, now time.Time) int {
	if r == nil {
		return 0
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.pruneLocked(deviceID, now)
	list = append(list, now)
	r.records[deviceID] = list
	return len(list)
}

func (r *rotationLimiter) pruneLocked(deviceID string, now time.Time) []time.Time {
	list := r.records[deviceID]
	if len(list) == 0 {
		return nil
	}
	cutoff := now.Add(-r.window)
	idx := 0
	for idx < len(list) && list[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return list
	}
	list = list[idx:]
	if len(list) == 0 {
		delete(r.records, deviceID)
		return nil
	}
	r.records[deviceID] = list
	return list
}
