package farmagent

import "time"

// TickOutcome classifies how a scheduler tick ended.
type TickOutcome int

const (
	// TickDispatched means a task was handed to a device.
	TickDispatched TickOutcome = iota
	// TickSaturated means the in-flight set was already at capacity.
	TickSaturated
	// TickNoDevice means no idle device was available.
	TickNoDevice
	// TickNoTask means the pending queue was empty.
	TickNoTask
	// TickContended means a claim lost a race; retry at the base interval.
	TickContended
	// TickError means the tick failed unexpectedly.
	TickError
)

func (o TickOutcome) String() string {
	switch o {
	case TickDispatched:
		return "dispatched"
	case TickSaturated:
		return "saturated"
	case TickNoDevice:
		return "no_device"
	case TickNoTask:
		return "no_task"
	case TickContended:
		return "contended"
	case TickError:
		return "error"
	default:
		return "unknown"
	}
}

// BackoffPolicy multiplies the base poll interval depending on the outcome.
type BackoffPolicy struct {
	Base            time.Duration
	IdleMultiplier  int
	ErrorMultiplier int
}

// NextInterval returns the wait before the next tick. Dispatch and claim
// races go back to the base interval.
func (p BackoffPolicy) NextInterval(outcome TickOutcome) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultPollInterval
	}
	switch outcome {
	case TickSaturated, TickNoDevice, TickNoTask:
		return base * time.Duration(max(p.IdleMultiplier, 1))
	case TickError:
		return base * time.Duration(max(p.ErrorMultiplier, 1))
	default:
		return base
	}
}
