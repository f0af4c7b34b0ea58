package farmagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// NewSafeGroup creates a SafeGroup backed by errgroup.WithContext.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx}
}

// SafeGroup supervises the agent's long-running workers (scheduler loop,
// periodic device jobs, profile watcher).
type SafeGroup struct {
	*errgroup.Group
	// ctx is canceled on parent cancellation or the first worker error.
	ctx context.Context
	// parent keeps a worker error distinguishable from an interrupt in
	// WaitOrInterrupt.
	parent context.Context
}

const (
	restartBackoffMin = 200 * time.Millisecond
	restartBackoffMax = 30 * time.Second
)

// GoSafe runs fn and restarts it with exponential backoff after a panic.
// A returned error cancels the group. Panics go to stderr because the logger
// itself may be what panicked.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() error {
		backoff := restartBackoffMin
		for {
			if sg.ctx.Err() != nil {
				return nil
			}
			recovered, err := runRecovering(sg.ctx, fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			timer := time.NewTimer(backoff + restartJitter(backoff))
			select {
			case <-sg.ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			backoff = min(backoff*2, restartBackoffMax)
		}
	})
}

func runRecovering(ctx context.Context, fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(ctx)
}

// restartJitter adds up to half the backoff without touching math/rand.
func restartJitter(backoff time.Duration) time.Duration {
	half := backoff / 2
	if half <= 0 {
		return 0
	}
	return time.Duration(time.Now().UnixNano() % int64(half))
}

// WaitOrInterrupt waits for every worker. Once the parent context is done it
// waits at most gracePeriod more before returning the parent's error.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sg.Group.Wait()
	}()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(sg.parent, err)
	case <-sg.parent.Done():
		if gracePeriod <= 0 {
			return sg.parent.Err()
		}
		timer := time.NewTimer(gracePeriod)
		defer timer.Stop()
		select {
		case err := <-waitCh:
			return normalizeInterruptError(sg.parent, err)
		case <-timer.C:
			return sg.parent.Err()
		}
	}
}

func normalizeInterruptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	return err
}
