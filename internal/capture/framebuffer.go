// Package capture implements the still-image capture boundary for sessions
// whose camera lives on the far side of a websocket: the browser streams
// encoded frames, the buffer keeps only the newest one, and CaptureFrame
// hands that frame to the verification step.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"sync"

	"github.com/ent0n29/livegate/internal/liveness"
)

// Limits bound what the buffer accepts from the client.
type Limits struct {
	MaxBytes  int
	MaxWidth  int
	MaxHeight int
}

// DefaultLimits matches the reference capture target (1280x720 JPEG, with
// headroom for devices that report a larger native resolution).
var DefaultLimits = Limits{
	MaxBytes:  4 << 20,
	MaxWidth:  1920,
	MaxHeight: 1080,
}

// FrameBuffer is a CaptureDevice fed by pushed frames. Acquire fails until a
// camera source attaches; CaptureFrame fails until the first frame lands.
type FrameBuffer struct {
	limits Limits

	mu       sync.Mutex
	attached bool
	hasFrame bool
	frame    liveness.EncodedImage
}

func NewFrameBuffer(limits Limits) *FrameBuffer {
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultLimits.MaxBytes
	}
	if limits.MaxWidth <= 0 {
		limits.MaxWidth = DefaultLimits.MaxWidth
	}
	if limits.MaxHeight <= 0 {
		limits.MaxHeight = DefaultLimits.MaxHeight
	}
	return &FrameBuffer{limits: limits}
}

// attach marks the remote camera source as available without a frame. The
// only production path to attachment is the first accepted Push; this exists
// so tests can reach the attached-but-frameless state.
func (b *FrameBuffer) attach() {
	b.mu.Lock()
	b.attached = true
	b.mu.Unlock()
}

// Detach drops the source and any buffered frame.
func (b *FrameBuffer) Detach() {
	b.mu.Lock()
	b.attached = false
	b.hasFrame = false
	b.frame = liveness.EncodedImage{}
	b.mu.Unlock()
}

// Push validates and stores one frame, replacing any previous one.
// The first accepted frame also attaches the source.
func (b *FrameBuffer) Push(img liveness.EncodedImage) error {
	if img.MIMEType != "image/jpeg" {
		return fmt.Errorf("unsupported frame mime type %q", img.MIMEType)
	}
	if len(img.Data) == 0 {
		return fmt.Errorf("empty frame")
	}
	if len(img.Data) > b.limits.MaxBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(img.Data), b.limits.MaxBytes)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return fmt.Errorf("undecodable frame: %w", err)
	}
	if format != "jpeg" {
		return fmt.Errorf("frame encoded as %s, want jpeg", format)
	}
	if cfg.Width > b.limits.MaxWidth || cfg.Height > b.limits.MaxHeight {
		return fmt.Errorf("frame %dx%d exceeds limit of %dx%d", cfg.Width, cfg.Height, b.limits.MaxWidth, b.limits.MaxHeight)
	}

	b.mu.Lock()
	b.attached = true
	b.hasFrame = true
	b.frame = img
	b.mu.Unlock()
	return nil
}

// Acquire implements liveness.CaptureDevice.
func (b *FrameBuffer) Acquire(_ context.Context) (liveness.StreamHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return nil, liveness.ErrDeviceUnavailable
	}
	return frameBufferHandle{buffer: b}, nil
}

// CaptureFrame implements liveness.CaptureDevice. It returns the most recent
// pushed frame; there is no waiting for a fresher one.
func (b *FrameBuffer) CaptureFrame(_ context.Context, _ liveness.StreamHandle) (liveness.EncodedImage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.attached {
		return liveness.EncodedImage{}, liveness.ErrDeviceUnavailable
	}
	if !b.hasFrame {
		return liveness.EncodedImage{}, liveness.ErrNoFrameAvailable
	}
	return b.frame, nil
}

type frameBufferHandle struct {
	buffer *FrameBuffer
}

// Close leaves the buffer attached: the browser owns the camera lifecycle,
// the handle only scopes one attempt.
func (frameBufferHandle) Close() error { return nil }
