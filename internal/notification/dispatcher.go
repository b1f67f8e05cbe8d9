package notification

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/config"
	"github.com/mikeyg42/motionalarm/internal/motion"
)

// Dispatcher turns motion signals into alerts under a cooldown. Notify never
// blocks: events are handed to one worker per alerter over a buffered channel.
type Dispatcher struct {
	cooldown   time.Duration
	timeout    time.Duration
	systemName string
	logger     *zap.Logger

	// mu guards the cooldown window and the queues' open state.
	mu     sync.Mutex
	until  time.Time
	closed bool

	workers []*worker
	wg      sync.WaitGroup

	stats struct {
		fired     atomic.Int64
		dropped   atomic.Int64
		delivered atomic.Int64
		failed    atomic.Int64
	}
}

type worker struct {
	alerter Alerter
	queue   chan Event
}

type DispatcherStats struct {
	Fired         int64
	Dropped       int64
	Delivered     int64
	Failed        int64
	CooldownUntil time.Time
}

// NewDispatcher starts one worker per alerter. Close stops them.
func NewDispatcher(cfg config.AlertConfig, systemName string, logger *zap.Logger, alerters ...Alerter) *Dispatcher {
	if logger == nil {
		logger = zap.L()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	d := &Dispatcher{
		cooldown:   cfg.Cooldown,
		timeout:    timeout,
		systemName: systemName,
		logger:     logger.Named("dispatcher"),
	}

	for _, a := range alerters {
		if a == nil {
			continue
		}
		w := &worker{alerter: a, queue: make(chan Event, queueSize)}
		d.workers = append(d.workers, w)
		d.wg.Add(1)
		go d.run(w)
	}
	return d
}

// Notify fires alerts for sig unless it carries no motion or now falls
// inside the cooldown window. It reports whether alerts were fired.
// The check and the window update happen under one lock, so concurrent
// callers can never fire twice for the same window.
func (d *Dispatcher) Notify(sig motion.Signal, now time.Time) bool {
	if !sig.Motion {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || now.Before(d.until) {
		return false
	}
	d.until = now.Add(d.cooldown)

	ev := NewEvent(sig, now, d.systemName)
	d.stats.fired.Add(1)
	d.logger.Info("Motion alert fired",
		zap.String("alert_id", ev.ID),
		zap.Int("regions", len(ev.Regions)),
		zap.Float64("area", ev.Area),
		zap.Time("cooldown_until", d.until))

	for _, w := range d.workers {
		select {
		case w.queue <- ev:
		default:
			d.stats.dropped.Add(1)
			d.logger.Warn("Alert queue full, event dropped",
				zap.String("alerter", w.alerter.Name()),
				zap.String("alert_id", ev.ID))
		}
	}
	return true
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for ev := range w.queue {
		d.deliver(w.alerter, ev)
	}
}

// deliver runs one alert with a timeout; errors and panics stay here.
func (d *Dispatcher) deliver(a Alerter, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("alerter panic: %v", r)
			}
		}()
		return a.Alert(ctx, ev)
	}()

	if err != nil {
		d.stats.failed.Add(1)
		d.logger.Error("Alert delivery failed",
			zap.String("alerter", a.Name()),
			zap.String("alert_id", ev.ID),
			zap.Error(err))
		return
	}

	d.stats.delivered.Add(1)
	d.logger.Debug("Alert delivered",
		zap.String("alerter", a.Name()),
		zap.String("alert_id", ev.ID),
		zap.Duration("took", time.Since(start)))
}

// Close stops accepting events, lets queued ones finish and waits for the
// workers. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.Lock()
	until := d.until
	d.mu.Unlock()

	return DispatcherStats{
		Fired:         d.stats.fired.Load(),
		Dropped:       d.stats.dropped.Load(),
		Delivered:     d.stats.delivered.Load(),
		Failed:        d.stats.failed.Load(),
		CooldownUntil: until,
	}
}
