package notification

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/motionalarm/internal/config"
	"github.com/mikeyg42/motionalarm/internal/motion"
)

type recordingAlerter struct {
	name  string
	mu    sync.Mutex
	got   []Event
	calls chan Event
	err   error
	block chan struct{}
	panic bool
}

func newRecordingAlerter(name string) *recordingAlerter {
	return &recordingAlerter{name: name, calls: make(chan Event, 16)}
}

func (r *recordingAlerter) Name() string { return r.name }

func (r *recordingAlerter) Alert(ctx context.Context, ev Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.got = append(r.got, ev)
	r.mu.Unlock()
	r.calls <- ev
	if r.panic {
		panic("alerter exploded")
	}
	return r.err
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func waitEvent(t *testing.T, a *recordingAlerter) Event {
	t.Helper()
	select {
	case ev := <-a.calls:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("alerter %s was not called", a.name)
		return Event{}
	}
}

func motionSignal() motion.Signal {
	return motion.Signal{
		Motion:  true,
		Regions: []motion.Region{{Bounds: image.Rect(10, 10, 110, 110), Area: 10000}},
	}
}

func testAlertConfig() config.AlertConfig {
	return config.AlertConfig{Cooldown: 5 * time.Second, QueueSize: 4, Timeout: time.Second}
}

func TestNotifyCooldown(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	testCases := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{"inside window", 2 * time.Second, false},
		{"just before boundary", 5*time.Second - time.Nanosecond, false},
		{"exact boundary", 5 * time.Second, true},
		{"after window", 6 * time.Second, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(testAlertConfig(), "test", zaptest.NewLogger(t))
			defer d.Close()

			if !d.Notify(motionSignal(), base) {
				t.Fatal("first motion signal should fire")
			}
			if got := d.Notify(motionSignal(), base.Add(tc.offset)); got != tc.want {
				t.Fatalf("Notify at +%v = %v, want %v", tc.offset, got, tc.want)
			}
		})
	}
}

func TestNotifyWithoutMotion(t *testing.T) {
	a := newRecordingAlerter("rec")
	d := NewDispatcher(testAlertConfig(), "test", zaptest.NewLogger(t), a)

	if d.Notify(motion.Signal{}, time.Now()) {
		t.Fatal("signal without motion fired an alert")
	}
	d.Close()

	if a.count() != 0 {
		t.Fatalf("alerter called %d times, want 0", a.count())
	}
	if s := d.Stats(); s.Fired != 0 || !s.CooldownUntil.IsZero() {
		t.Fatalf("no-motion signal changed state: %+v", s)
	}
}

func TestNotifyRunsEveryAlerter(t *testing.T) {
	email := newRecordingAlerter("email")
	sound := newRecordingAlerter("sound")
	d := NewDispatcher(testAlertConfig(), "Front Door", zaptest.NewLogger(t), email, sound)
	defer d.Close()

	now := time.Now()
	d.Notify(motionSignal(), now)

	e1 := waitEvent(t, email)
	e2 := waitEvent(t, sound)
	if e1.ID == "" || e1.ID != e2.ID {
		t.Fatalf("alerters got different events: %q vs %q", e1.ID, e2.ID)
	}
	if e1.SystemName != "Front Door" {
		t.Errorf("SystemName = %q", e1.SystemName)
	}
	if !e1.Time.Equal(now) {
		t.Errorf("Time = %v, want %v", e1.Time, now)
	}
	if e1.Area != 10000 {
		t.Errorf("Area = %v, want 10000", e1.Area)
	}
}

func TestNotifyConcurrentFiresOnce(t *testing.T) {
	a := newRecordingAlerter("rec")
	d := NewDispatcher(testAlertConfig(), "test", zaptest.NewLogger(t), a)

	now := time.Now()
	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Notify(motionSignal(), now) {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()
	d.Close()

	if fired.Load() != 1 {
		t.Fatalf("%d concurrent Notify calls fired, want exactly 1", fired.Load())
	}
	if a.count() != 1 {
		t.Fatalf("alerter called %d times, want 1", a.count())
	}
}

func TestFailingAlerterIsIsolated(t *testing.T) {
	failing := newRecordingAlerter("failing")
	failing.err = errors.New("smtp down")
	panicking := newRecordingAlerter("panicking")
	panicking.panic = true
	healthy := newRecordingAlerter("healthy")

	cfg := testAlertConfig()
	cfg.Cooldown = 0
	d := NewDispatcher(cfg, "test", zaptest.NewLogger(t), failing, panicking, healthy)

	start := time.Now()
	d.Notify(motionSignal(), start)
	d.Notify(motionSignal(), start.Add(time.Second))
	d.Close()

	if healthy.count() != 2 {
		t.Fatalf("healthy alerter called %d times, want 2", healthy.count())
	}
	if panicking.count() != 2 {
		t.Fatalf("panicking worker stopped after a panic: %d calls", panicking.count())
	}

	s := d.Stats()
	if s.Failed != 4 || s.Delivered != 2 {
		t.Fatalf("stats = %+v, want 4 failed and 2 delivered", s)
	}
}

func TestSlowAlerterDoesNotBlockNotify(t *testing.T) {
	slow := newRecordingAlerter("slow")
	slow.block = make(chan struct{})

	cfg := testAlertConfig()
	cfg.Cooldown = 0
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, "test", zaptest.NewLogger(t), slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		now := time.Now()
		for i := 0; i < 10; i++ {
			d.Notify(motionSignal(), now.Add(time.Duration(i)*time.Second))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a slow alerter")
	}

	if d.Stats().Dropped == 0 {
		t.Error("expected events to be dropped on a full queue")
	}

	close(slow.block)
	d.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	d := NewDispatcher(testAlertConfig(), "test", zaptest.NewLogger(t), newRecordingAlerter("rec"))
	d.Close()
	d.Close()

	if d.Notify(motionSignal(), time.Now()) {
		t.Fatal("closed dispatcher fired an alert")
	}
}
