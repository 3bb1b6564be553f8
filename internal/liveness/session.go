package liveness

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/livegate/internal/observability"
)

// DefaultEngagementDelay is the time the user gets to perform the requested
// motion before the evidence frame is captured.
const DefaultEngagementDelay = 4000 * time.Millisecond

// Snapshot is an immutable read model of the session at one instant.
// In a terminal state at most one of Verdict and Err is set.
type Snapshot struct {
	Phase     Phase         `json:"phase"`
	Challenge *Challenge    `json:"challenge,omitempty"`
	Sample    SensorSample  `json:"sample"`
	Verdict   *Verdict      `json:"verdict,omitempty"`
	Err       *AttemptError `json:"error,omitempty"`
}

// SessionConfig wires a session's collaborators. Catalog, Scheduler, Logger
// and EngagementDelay fall back to defaults; Capture and Verifier must be set.
type SessionConfig struct {
	Catalog         *Catalog
	Capture         CaptureDevice
	Verifier        VerificationClient
	Scheduler       Scheduler
	EngagementDelay time.Duration
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// Session runs one liveness check at a time: issue a random challenge, wait
// the engagement delay, capture a single frame, and hand the joint evidence
// (frame + latest sensor sample + stated challenge) to the verifier. It does
// no spoof reasoning of its own; its job is sequencing and state bookkeeping.
type Session struct {
	catalog   *Catalog
	capture   CaptureDevice
	verifier  VerificationClient
	scheduler Scheduler
	delay     time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics

	mu          sync.Mutex
	phase       Phase
	attempt     uint64
	challenge   *Challenge
	sample      SensorSample
	verdict     *Verdict
	lastErr     *AttemptError
	stream      StreamHandle
	cancelTimer func()
	notify      func(Snapshot)
}

// NewSession builds an idle session from cfg.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Capture == nil || cfg.Verifier == nil {
		panic("liveness: session requires a capture device and a verification client")
	}
	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler()
	}
	if cfg.EngagementDelay <= 0 {
		cfg.EngagementDelay = DefaultEngagementDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		catalog:   cfg.Catalog,
		capture:   cfg.Capture,
		verifier:  cfg.Verifier,
		scheduler: cfg.Scheduler,
		delay:     cfg.EngagementDelay,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		phase:     PhaseIdle,
	}
}

// SetNotify registers a callback invoked (outside the session lock) after
// every phase transition. Transports use it to push state to the client.
func (s *Session) SetNotify(fn func(Snapshot)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// ObserveSample records the most recent orientation sample. Last writer wins;
// no history is kept.
func (s *Session) ObserveSample(sample SensorSample) {
	s.mu.Lock()
	s.sample = sample
	s.mu.Unlock()
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{Phase: s.phase, Sample: s.sample}
	if s.challenge != nil {
		c := *s.challenge
		snap.Challenge = &c
	}
	if s.verdict != nil {
		v := *s.verdict
		snap.Verdict = &v
	}
	if s.lastErr != nil {
		e := *s.lastErr
		snap.Err = &e
	}
	return snap
}

// Start begins a new attempt: acquires the capture source, issues one
// challenge uniformly at random, and schedules the engagement timer.
// Collaborator failures do not propagate; they land the session back in
// Idle with an error descriptor attached.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseIdle:
	case PhaseSuccess, PhaseFailed:
		s.mu.Unlock()
		return ErrInvalidPhase
	default:
		s.mu.Unlock()
		return ErrAttemptInFlight
	}
	s.attempt++
	attempt := s.attempt
	s.verdict = nil
	s.lastErr = nil
	s.challenge = nil
	s.phase = PhaseInitializing
	s.mu.Unlock()
	s.emit()

	handle, err := s.capture.Acquire(ctx)
	if err != nil {
		s.failAttempt(attempt, classifyAcquireError(err), err)
		return nil
	}

	s.mu.Lock()
	if s.attempt != attempt || s.phase != PhaseInitializing {
		s.mu.Unlock()
		_ = handle.Close()
		return nil
	}
	s.stream = handle
	challenge := s.catalog.PickRandom()
	s.challenge = &challenge
	s.phase = PhaseChallengeIssued
	s.cancelTimer = s.scheduler.AfterFunc(s.delay, func() {
		s.engagementElapsed(attempt)
	})
	s.mu.Unlock()

	s.logger.Info("challenge issued",
		zap.String("challenge_id", challenge.ID),
		zap.String("expected_movement", string(challenge.ExpectedMovement)),
		zap.Duration("engagement_delay", s.delay))
	s.emit()
	return nil
}

// Reset returns the session to Idle, clearing the active challenge, verdict
// and error, and cancelling a pending engagement timer. It is rejected while
// a capture/verification step is outstanding.
func (s *Session) Reset() error {
	s.mu.Lock()
	switch s.phase {
	case PhaseInitializing, PhaseVerifying:
		s.mu.Unlock()
		return ErrVerifyInProgress
	}
	// Bump the attempt epoch so a timer that already fired but has not yet
	// taken the lock is discarded.
	s.attempt++
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	s.closeStreamLocked()
	s.challenge = nil
	s.verdict = nil
	s.lastErr = nil
	s.phase = PhaseIdle
	s.mu.Unlock()
	s.emit()
	return nil
}

// engagementElapsed is the timer callback: enter Verifying, capture one
// frame, and delegate judgment to the verifier.
func (s *Session) engagementElapsed(attempt uint64) {
	s.mu.Lock()
	if s.attempt != attempt || s.phase != PhaseChallengeIssued {
		// Stale timer from a superseded attempt.
		s.mu.Unlock()
		return
	}
	s.phase = PhaseVerifying
	s.cancelTimer = nil
	challenge := *s.challenge
	sample := s.sample
	stream := s.stream
	s.mu.Unlock()
	s.emit()

	// No deadline here: the remote call runs on the transport's defaults,
	// and the attempt is single-shot either way.
	ctx := context.Background()

	image, err := s.capture.CaptureFrame(ctx, stream)
	if err != nil {
		s.failAttempt(attempt, classifyCaptureError(err), err)
		return
	}

	started := time.Now()
	verdict, err := s.verifier.Verify(ctx, image, sample, challenge)
	if err != nil {
		s.failAttempt(attempt, ErrorKindServiceUnavailable, err)
		return
	}
	if s.metrics != nil {
		s.metrics.ObserveVerificationLatency(time.Since(started))
	}

	s.mu.Lock()
	if s.attempt != attempt || s.phase != PhaseVerifying {
		s.mu.Unlock()
		return
	}
	s.verdict = &verdict
	s.lastErr = nil
	if verdict.IsLive {
		s.phase = PhaseSuccess
	} else {
		s.phase = PhaseFailed
	}
	s.closeStreamLocked()
	outcome := s.phase
	s.mu.Unlock()

	s.logger.Info("verdict received",
		zap.String("challenge_id", challenge.ID),
		zap.Bool("is_live", verdict.IsLive),
		zap.Float64("confidence", verdict.Confidence))
	if s.metrics != nil {
		label := "spoof"
		if verdict.IsLive {
			label = "live"
		}
		s.metrics.Verdicts.WithLabelValues(label).Inc()
		s.metrics.SessionEvents.WithLabelValues(string(outcome)).Inc()
	}
	s.emit()
}

// failAttempt lands the session back in Idle with an error descriptor.
// Failure is distinct from a negative verdict: Failed is reserved for an
// is-live=false judgment actually received.
func (s *Session) failAttempt(attempt uint64, kind ErrorKind, cause error) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return
	}
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	s.closeStreamLocked()
	s.challenge = nil
	s.verdict = nil
	s.lastErr = &AttemptError{Kind: kind, Message: messageForKind(kind)}
	s.phase = PhaseIdle
	s.mu.Unlock()

	s.logger.Warn("attempt failed", zap.String("kind", string(kind)), zap.Error(cause))
	if s.metrics != nil {
		s.metrics.AttemptErrors.WithLabelValues(string(kind)).Inc()
	}
	s.emit()
}

func (s *Session) closeStreamLocked() {
	if s.stream != nil {
		_ = s.stream.Close()
		s.stream = nil
	}
}

func (s *Session) emit() {
	s.mu.Lock()
	fn := s.notify
	snap := s.snapshotLocked()
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}

func classifyAcquireError(err error) ErrorKind {
	if errors.Is(err, ErrPermissionDenied) {
		return ErrorKindPermissionDenied
	}
	return ErrorKindDeviceUnavailable
}

func classifyCaptureError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrorKindPermissionDenied
	case errors.Is(err, ErrDeviceUnavailable):
		return ErrorKindDeviceUnavailable
	default:
		return ErrorKindNoFrameAvailable
	}
}

func messageForKind(kind ErrorKind) string {
	switch kind {
	case ErrorKindPermissionDenied:
		return "Camera or motion sensor access was denied."
	case ErrorKindDeviceUnavailable:
		return "No camera is available on this device."
	case ErrorKindNoFrameAvailable:
		return "The camera has not produced a frame yet. Please try again."
	case ErrorKindServiceUnavailable:
		return "Could not reach the verification service. Please try again."
	default:
		return "The liveness check could not be completed."
	}
}
