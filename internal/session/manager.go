// Package session tracks the per-client liveness check instances served by
// the gateway. Each entry owns one isolated liveness stack (state machine,
// frame buffer, sensor hub); the registry itself knows nothing about the
// check flow beyond activity bookkeeping.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/livegate/internal/capture"
	"github.com/ent0n29/livegate/internal/liveness"
	"github.com/ent0n29/livegate/internal/observability"
	"github.com/ent0n29/livegate/internal/sensor"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Entry is one client's liveness check instance. The collaborator pointers
// are set at creation and never reassigned; the registry metadata is guarded
// by the entry's own mutex so handlers can read Info while the janitor or a
// concurrent request mutates it.
type Entry struct {
	ID string

	Liveness *liveness.Session
	Frames   *capture.FrameBuffer
	Sensors  *sensor.Hub

	mu             sync.Mutex
	status         Status
	createdAt      time.Time
	lastActivityAt time.Time

	cancelFeed func()
}

// Info is the JSON-facing view of an entry's registry metadata.
type Info struct {
	SessionID      string    `json:"session_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Info returns a point-in-time copy of the entry's registry metadata.
func (e *Entry) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		SessionID:      e.ID,
		Status:         e.status,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivityAt,
	}
}

func (e *Entry) touch() {
	e.mu.Lock()
	e.lastActivityAt = time.Now().UTC()
	e.mu.Unlock()
}

// end transitions the entry to ended. It reports whether this call made the
// transition, so teardown side effects run exactly once.
func (e *Entry) end() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == StatusEnded {
		return false
	}
	e.status = StatusEnded
	e.lastActivityAt = time.Now().UTC()
	return true
}

// Deps are the shared collaborators every new entry is wired with.
type Deps struct {
	Verifier        liveness.VerificationClient
	Catalog         *liveness.Catalog
	Scheduler       liveness.Scheduler
	EngagementDelay time.Duration
	FrameLimits     capture.Limits
	Logger          *zap.Logger
	Metrics         *observability.Metrics
}

// Manager is the registry of live entries with inactivity expiry.
type Manager struct {
	mu                sync.RWMutex
	entries           map[string]*Entry
	deps              Deps
	inactivityTimeout time.Duration
	onExpire          func(*Entry)
}

func NewManager(inactivityTimeout time.Duration, deps Deps) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		entries:           make(map[string]*Entry),
		deps:              deps,
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create builds a fresh entry with its own frame buffer, sensor hub, and
// state machine, and subscribes the machine to the hub.
func (m *Manager) Create() *Entry {
	now := time.Now().UTC()
	id := uuid.NewString()

	frames := capture.NewFrameBuffer(m.deps.FrameLimits)
	sensors := sensor.NewHub()
	sess := liveness.NewSession(liveness.SessionConfig{
		Catalog:         m.deps.Catalog,
		Capture:         frames,
		Verifier:        m.deps.Verifier,
		Scheduler:       m.deps.Scheduler,
		EngagementDelay: m.deps.EngagementDelay,
		Logger:          m.deps.Logger.With(zap.String("session_id", id)),
		Metrics:         m.deps.Metrics,
	})
	cancelFeed := sensors.Subscribe(sess.ObserveSample)

	e := &Entry{
		ID:             id,
		Liveness:       sess,
		Frames:         frames,
		Sensors:        sensors,
		status:         StatusActive,
		createdAt:      now,
		lastActivityAt: now,
		cancelFeed:     cancelFeed,
	}

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()
	return e
}

func (m *Manager) Get(id string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *Manager) Touch(id string) error {
	e, err := m.Get(id)
	if err != nil {
		return err
	}
	e.touch()
	return nil
}

// End closes an entry: the sensor feed detaches, the frame buffer drops its
// source, and the entry stops accepting activity.
func (m *Manager) End(id string) (*Entry, error) {
	e, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	m.closeEntry(e)
	return e, nil
}

func (m *Manager) closeEntry(e *Entry) bool {
	if !e.end() {
		return false
	}
	e.cancelFeed()
	e.Frames.Detach()
	return true
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	count := 0
	for _, e := range entries {
		if e.Info().Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()

	m.mu.RLock()
	candidates := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		candidates = append(candidates, e)
	}
	hook := m.onExpire
	m.mu.RUnlock()

	for _, e := range candidates {
		info := e.Info()
		if info.Status != StatusActive {
			continue
		}
		if now.Sub(info.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		if m.closeEntry(e) && hook != nil {
			hook(e)
		}
	}
}
