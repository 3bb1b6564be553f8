package liveness

import "errors"

// Movement is the closed set of physical motions a challenge can request.
type Movement string

const (
	MovementTiltUp      Movement = "tilt_up"
	MovementTiltDown    Movement = "tilt_down"
	MovementRotateLeft  Movement = "rotate_left"
	MovementRotateRight Movement = "rotate_right"
	// MovementSteady is reserved in the type domain but is not part of the
	// default catalog.
	MovementSteady Movement = "steady"
)

// Challenge is an immutable motion instruction issued to the user.
type Challenge struct {
	ID               string   `json:"id"`
	Instruction      string   `json:"instruction"`
	ExpectedMovement Movement `json:"expected_movement"`
}

// SensorSample carries the latest device-orientation angles in degrees.
// A nil field means the sensor has not reported that axis yet.
type SensorSample struct {
	Yaw  *float64 `json:"yaw,omitempty"`
	Tilt *float64 `json:"tilt,omitempty"`
	Roll *float64 `json:"roll,omitempty"`
}

// Verdict is the remote judgment for one attempt.
type Verdict struct {
	IsLive     bool    `json:"is_live"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// EncodedImage is an opaque still-image buffer plus its declared MIME type.
type EncodedImage struct {
	Data     []byte
	MIMEType string
}

// Phase identifies where a session is in its lifecycle.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseInitializing    Phase = "initializing"
	PhaseChallengeIssued Phase = "challenge_issued"
	PhaseVerifying       Phase = "verifying"
	PhaseSuccess         Phase = "success"
	PhaseFailed          Phase = "failed"
)

// Terminal reports whether the phase requires a reset before a new attempt.
func (p Phase) Terminal() bool {
	return p == PhaseSuccess || p == PhaseFailed
}

// ErrorKind classifies an attempt-ending collaborator failure.
type ErrorKind string

const (
	ErrorKindPermissionDenied   ErrorKind = "permission_denied"
	ErrorKindDeviceUnavailable  ErrorKind = "device_unavailable"
	ErrorKindNoFrameAvailable   ErrorKind = "no_frame_available"
	ErrorKindServiceUnavailable ErrorKind = "service_unavailable"
)

// AttemptError is the human-readable error descriptor attached to a session
// after a collaborator failure. It is never produced for a negative verdict.
type AttemptError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Sentinel errors returned by collaborator implementations. The session
// classifies them into AttemptError kinds at the orchestration boundary.
var (
	ErrPermissionDenied   = errors.New("camera or sensor access denied")
	ErrDeviceUnavailable  = errors.New("capture device unavailable")
	ErrNoFrameAvailable   = errors.New("no frame available from capture source")
	ErrServiceUnavailable = errors.New("verification service unavailable")
)

// Session operation errors.
var (
	ErrInvalidPhase     = errors.New("operation not valid in current phase")
	ErrAttemptInFlight  = errors.New("attempt already in flight")
	ErrVerifyInProgress = errors.New("verification call outstanding")
)
