package liveness

import (
	"context"
	"sync"
	"time"
)

// MockCaptureDevice is a CaptureDevice double used by tests and by the
// service when no real camera source is attached yet.
type MockCaptureDevice struct {
	mu          sync.Mutex
	Frame       EncodedImage
	AcquireErr  error
	CaptureErr  error
	acquires    int
	captures    int
	closedCount int
}

func NewMockCaptureDevice(frame EncodedImage) *MockCaptureDevice {
	return &MockCaptureDevice{Frame: frame}
}

func (d *MockCaptureDevice) Acquire(_ context.Context) (StreamHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	d.acquires++
	return &mockStreamHandle{device: d}, nil
}

func (d *MockCaptureDevice) CaptureFrame(_ context.Context, _ StreamHandle) (EncodedImage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captures++
	if d.CaptureErr != nil {
		return EncodedImage{}, d.CaptureErr
	}
	return d.Frame, nil
}

func (d *MockCaptureDevice) Captures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.captures
}

type mockStreamHandle struct {
	device *MockCaptureDevice
	once   sync.Once
}

func (h *mockStreamHandle) Close() error {
	h.once.Do(func() {
		h.device.mu.Lock()
		h.device.closedCount++
		h.device.mu.Unlock()
	})
	return nil
}

// MockVerifier is a VerificationClient double returning a scripted verdict.
// When Block is set, Verify waits on it before answering, which lets tests
// observe the session mid-verification.
type MockVerifier struct {
	mu      sync.Mutex
	Verdict Verdict
	Err     error
	Block   chan struct{}

	calls []VerifyCall
}

// VerifyCall records the evidence one Verify invocation received.
type VerifyCall struct {
	Image     EncodedImage
	Sample    SensorSample
	Challenge Challenge
}

func NewMockVerifier(verdict Verdict) *MockVerifier {
	return &MockVerifier{Verdict: verdict}
}

func (v *MockVerifier) Verify(ctx context.Context, image EncodedImage, sample SensorSample, challenge Challenge) (Verdict, error) {
	v.mu.Lock()
	v.calls = append(v.calls, VerifyCall{Image: image, Sample: sample, Challenge: challenge})
	block := v.Block
	verdict := v.Verdict
	err := v.Err
	v.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Verdict{}, ctx.Err()
		}
	}
	if err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

func (v *MockVerifier) Calls() []VerifyCall {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]VerifyCall, len(v.calls))
	copy(out, v.calls)
	return out
}

// ManualScheduler queues callbacks instead of timing them, so tests drive
// the engagement delay by hand. Cancelled entries stay queued but inert,
// mirroring a real timer that was stopped before firing.
type ManualScheduler struct {
	mu      sync.Mutex
	pending []*manualEntry
}

type manualEntry struct {
	fn        func()
	cancelled bool
}

func NewManualScheduler() *ManualScheduler { return &ManualScheduler{} }

func (m *ManualScheduler) AfterFunc(_ time.Duration, fn func()) func() {
	m.mu.Lock()
	entry := &manualEntry{fn: fn}
	m.pending = append(m.pending, entry)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		entry.cancelled = true
		m.mu.Unlock()
	}
}

// Fire runs the oldest pending callback, cancelled or not (a real timer can
// fire concurrently with a late Stop, so tests exercise that race on purpose
// by firing anyway; the session's epoch guard has to hold either way).
// It reports whether a callback was available.
func (m *ManualScheduler) Fire() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	entry := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()
	entry.fn()
	return true
}

// Pending returns the number of queued callbacks.
func (m *ManualScheduler) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
