package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/livegate/internal/liveness"
)

func newTestManager(timeout time.Duration) *Manager {
	return NewManager(timeout, Deps{
		Verifier:        liveness.NewMockVerifier(liveness.Verdict{IsLive: true}),
		Scheduler:       liveness.NewManualScheduler(),
		EngagementDelay: 10 * time.Millisecond,
	})
}

func TestManagerCreateGetEnd(t *testing.T) {
	m := newTestManager(time.Minute)
	e := m.Create()
	if e.ID == "" {
		t.Fatalf("entry ID should not be empty")
	}
	if e.Liveness == nil || e.Frames == nil || e.Sensors == nil {
		t.Fatalf("entry missing liveness stack: %+v", e)
	}
	if got := e.Liveness.Snapshot().Phase; got != liveness.PhaseIdle {
		t.Fatalf("new session phase = %q, want idle", got)
	}

	got, err := m.Get(e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Info().Status != StatusActive {
		t.Fatalf("status = %q, want %q", got.Info().Status, StatusActive)
	}

	ended, err := m.End(e.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Info().Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Info().Status, StatusEnded)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerGetUnknownID(t *testing.T) {
	m := newTestManager(time.Minute)
	if _, err := m.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestEndDetachesSensorFeed(t *testing.T) {
	m := newTestManager(time.Minute)
	e := m.Create()

	yaw := 30.0
	e.Sensors.Publish(liveness.SensorSample{Yaw: &yaw})
	if got := e.Liveness.Snapshot().Sample.Yaw; got == nil || *got != yaw {
		t.Fatalf("sample did not reach the session: %v", got)
	}

	if _, err := m.End(e.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	other := 99.0
	e.Sensors.Publish(liveness.SensorSample{Yaw: &other})
	if got := e.Liveness.Snapshot().Sample.Yaw; got == nil || *got != yaw {
		t.Fatalf("ended entry still receives samples: %v", got)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := newTestManager(30 * time.Millisecond)
	e := m.Create()

	expired := make(chan string, 1)
	m.SetExpireHook(func(entry *Entry) { expired <- entry.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != e.ID {
			t.Fatalf("expired id = %q, want %q", id, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor never expired the idle entry")
	}

	got, err := m.Get(e.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Info().Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Info().Status, StatusEnded)
	}
}

func TestTouchKeepsEntryAlive(t *testing.T) {
	m := newTestManager(time.Minute)
	e := m.Create()
	before := e.Info().LastActivityAt
	time.Sleep(2 * time.Millisecond)
	if err := m.Touch(e.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if !e.Info().LastActivityAt.After(before) {
		t.Fatalf("Touch() did not advance LastActivityAt")
	}
}

func TestInfoIsSafeUnderConcurrentMutation(t *testing.T) {
	m := newTestManager(time.Minute)
	e := m.Create()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = m.Touch(e.ID)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = e.Info()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.ActiveCount()
			}
		}()
	}
	wg.Wait()

	if got := e.Info().Status; got != StatusActive {
		t.Fatalf("status = %q, want %q", got, StatusActive)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	m := newTestManager(time.Minute)
	e := m.Create()

	first, err := m.End(e.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	endedAt := first.Info().LastActivityAt

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.End(e.ID); err != nil {
				t.Errorf("repeat End() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := e.Info().LastActivityAt; !got.Equal(endedAt) {
		t.Fatalf("repeat End() moved LastActivityAt from %v to %v", endedAt, got)
	}
}
