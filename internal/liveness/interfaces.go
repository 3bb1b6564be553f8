package liveness

import (
	"context"
	"time"
)

// SensorFeed delivers a push stream of orientation samples at whatever
// cadence the underlying platform provides. Subscribe returns a cancel
// function that stops delivery to the given callback.
type SensorFeed interface {
	Subscribe(fn func(SensorSample)) (cancel func())
}

// StreamHandle represents an acquired live capture source.
type StreamHandle interface {
	Close() error
}

// CaptureDevice abstracts a single still-image capture from a live source.
type CaptureDevice interface {
	// Acquire opens the capture source. It fails with ErrPermissionDenied
	// or ErrDeviceUnavailable when no source can be opened.
	Acquire(ctx context.Context) (StreamHandle, error)
	// CaptureFrame takes one encoded still image from a ready handle. It
	// fails with ErrNoFrameAvailable if the source has not yet produced a
	// displayable frame.
	CaptureFrame(ctx context.Context, handle StreamHandle) (EncodedImage, error)
}

// VerificationClient performs the single round-trip to the remote judgment
// service. Implementations fail with ErrServiceUnavailable on any transport
// or parse error and must not retry.
type VerificationClient interface {
	Verify(ctx context.Context, image EncodedImage, sample SensorSample, challenge Challenge) (Verdict, error)
}

// Scheduler owns the one suspension point of the flow: the engagement delay
// between challenge issuance and capture. It exists as an explicit contract
// so that cancellation on reset is testable without real timers.
type Scheduler interface {
	// AfterFunc runs fn once after d on its own goroutine. The returned
	// cancel function stops a pending fn; cancelling after fn has started
	// is a no-op.
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type realScheduler struct{}

// NewScheduler returns a Scheduler backed by time.AfterFunc.
func NewScheduler() Scheduler { return realScheduler{} }

func (realScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
