package vkframe

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	// ErrSurfaceStale means the presentation surface no longer matches the swapchain (for
	// example after a resize). It is recoverable: rebuild the swapchain and call
	// Scheduler.ResetSwapchain.
	ErrSurfaceStale = errors.New("presentation surface is out of date")

	// ErrDeviceLost means the device is in an unrecoverable state.
	ErrDeviceLost = errors.New("device lost")

	// ErrTimeout is returned by bounded waits which expired before the device finished. It
	// does not imply a device failure.
	ErrTimeout = errors.New("timed out waiting for the device")

	// ErrAllocation means a device or host allocation failed.
	ErrAllocation = errors.New("allocation failed")

	// ErrClosed is returned when using a Scheduler or Uploader after it was shut down.
	ErrClosed = errors.New("already shut down")
)

// IsRecoverable reports whether err leaves the caller able to continue: a stale surface
// (after rebuilding it) or an expired wait (after retrying).
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrSurfaceStale) || errors.Is(err, ErrTimeout)
}

// IsFatal reports whether err should terminate the frame loop.
func IsFatal(err error) bool {
	return err != nil && !IsRecoverable(err)
}

// MarkTimeout turns a context deadline into ErrTimeout, leaving other errors as they are.
func MarkTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(err, ErrTimeout)
	}
	return err
}
