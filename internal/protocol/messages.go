package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ent0n29/livegate/internal/liveness"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeOrientationSample MessageType = "orientation_sample"
	TypeCameraFrame       MessageType = "camera_frame"
	TypeClientControl     MessageType = "client_control"
	TypeStateChanged      MessageType = "state_changed"
	TypeChallengeIssued   MessageType = "challenge_issued"
	TypeVerdictReceived   MessageType = "verdict_received"
	TypeErrorEvent        MessageType = "error_event"
)

// Control actions accepted from the client.
const (
	ActionStart = "start"
	ActionReset = "reset"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// OrientationSample carries one device-orientation event. Each axis is
// nullable: the platform may not report all three before the first reading.
type OrientationSample struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Yaw       *float64    `json:"yaw"`
	Tilt      *float64    `json:"tilt"`
	Roll      *float64    `json:"roll"`
	TSMs      int64       `json:"ts_ms"`
}

// CameraFrame carries one encoded still image from the client's camera.
type CameraFrame struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	MIMEType   string      `json:"mime_type"`
	JPEGBase64 string      `json:"jpeg_base64"`
	TSMs       int64       `json:"ts_ms"`
}

// ClientControl triggers a session action (start or reset).
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// StateChanged announces a phase transition to the client.
type StateChanged struct {
	Type      MessageType            `json:"type"`
	SessionID string                 `json:"session_id"`
	Phase     liveness.Phase         `json:"phase"`
	Challenge *liveness.Challenge    `json:"challenge,omitempty"`
	Verdict   *liveness.Verdict      `json:"verdict,omitempty"`
	Err       *liveness.AttemptError `json:"error,omitempty"`
}

// ChallengeIssued announces the active challenge and how long the user has
// to perform it before capture.
type ChallengeIssued struct {
	Type        MessageType       `json:"type"`
	SessionID   string            `json:"session_id"`
	ChallengeID string            `json:"challenge_id"`
	Instruction string            `json:"instruction"`
	Movement    liveness.Movement `json:"expected_movement"`
	HoldMS      int64             `json:"hold_ms"`
}

// VerdictReceived announces the terminal judgment of an attempt.
type VerdictReceived struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	IsLive     bool        `json:"is_live"`
	Confidence float64     `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// ErrorEvent surfaces an attempt-ending failure to the client.
type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates an inbound client payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeOrientationSample:
		var msg OrientationSample
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid orientation_sample")
		}
		return msg, nil
	case TypeCameraFrame:
		var msg CameraFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.JPEGBase64 == "" {
			return nil, errors.New("invalid camera_frame")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || (msg.Action != ActionStart && msg.Action != ActionReset) {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
