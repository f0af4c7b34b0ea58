package farmagent

import "github.com/pkg/errors"

var (
	// ErrDeviceUnavailable means no idle device could be found; it backs off
	// the scheduler and never fails a task.
	ErrDeviceUnavailable = errors.New("no idle device available")
	// ErrUnsupportedApplication marks a task whose app has no action profile.
	// The task fails permanently without consuming a retry.
	ErrUnsupportedApplication = errors.New("unsupported application")
	// ErrConnectivity wraps any failed shell round-trip.
	ErrConnectivity = errors.New("device connectivity error")
	// ErrCapture wraps screenshot failures; always swallowed.
	ErrCapture = errors.New("screenshot capture failed")
	// ErrInterrupted fails a task found running at startup; it consumes a
	// retry like any other pipeline failure.
	ErrInterrupted = errors.New("interrupted")
	// ErrBatteryCritical removes a device from the eligible pool.
	ErrBatteryCritical = errors.New("device battery critical")

	// ErrClaimConflict is returned by stores when a conditional transition
	// lost the race against another writer.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("record not found")
)

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
