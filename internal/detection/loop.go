// Package detection runs the capture → detect → notify cycle in the
// background and exposes start/stop controls for it.
package detection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/camera"
	"github.com/mikeyg42/motionalarm/internal/motion"
)

// Notifier receives every detection signal. It decides on its own whether an
// alert fires and must not block.
type Notifier interface {
	Notify(sig motion.Signal, now time.Time) bool
}

type Options struct {
	// Interval is the pause between cycles.
	Interval time.Duration
	// Snapshot attaches a JPEG of the frame to motion signals.
	Snapshot    bool
	JPEGQuality int
	Logger      *zap.Logger
}

type Stats struct {
	Running       bool
	Cycles        int64
	SkippedFrames int64
	MotionFrames  int64
	AlertsFired   int64
	Panics        int64
	Detector      motion.Stats
}

// Loop is the background detection worker. Stopping it closes the camera,
// which is also what ends every live stream.
type Loop struct {
	source   camera.Source
	detector *motion.Detector
	notifier Notifier
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	running atomic.Bool

	mu   sync.Mutex
	done chan struct{}

	stats struct {
		cycles  atomic.Int64
		skipped atomic.Int64
		motion  atomic.Int64
		alerts  atomic.Int64
		panics  atomic.Int64
	}
}

func NewLoop(source camera.Source, detector *motion.Detector, notifier Notifier, opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	return &Loop{
		source:   source,
		detector: detector,
		notifier: notifier,
		opts:     opts,
		logger:   logger.Named("detection"),
		now:      time.Now,
	}
}

// Start launches the loop unless it is already running and reports whether
// it did. A loop started after Stop exits on its first capture because the
// camera stays closed.
func (l *Loop) Start() bool {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.Debug("Detection already running")
		return false
	}

	l.detector.Reset()
	done := make(chan struct{})
	l.mu.Lock()
	l.done = done
	l.mu.Unlock()

	l.logger.Info("Motion detection started", zap.Duration("interval", l.opts.Interval))
	go l.run(done)
	return true
}

// Stop closes the camera. The loop notices on its next capture and exits.
func (l *Loop) Stop() error {
	l.logger.Info("Stopping motion detection")
	if err := l.source.Close(); err != nil {
		return fmt.Errorf("close camera: %w", err)
	}
	return nil
}

// Wait blocks until the current run, if any, has exited.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Loop) Running() bool { return l.running.Load() }

func (l *Loop) Stats() Stats {
	return Stats{
		Running:       l.running.Load(),
		Cycles:        l.stats.cycles.Load(),
		SkippedFrames: l.stats.skipped.Load(),
		MotionFrames:  l.stats.motion.Load(),
		AlertsFired:   l.stats.alerts.Load(),
		Panics:        l.stats.panics.Load(),
		Detector:      l.detector.Stats(),
	}
}

func (l *Loop) run(done chan struct{}) {
	defer close(done)
	defer l.running.Store(false)

	for {
		if !l.cycle() {
			l.logger.Info("Motion detection stopped",
				zap.Int64("cycles", l.stats.cycles.Load()),
				zap.Int64("alerts", l.stats.alerts.Load()))
			return
		}
		time.Sleep(l.opts.Interval)
	}
}

// cycle runs one capture → detect → notify pass. It returns false once the
// camera is closed.
func (l *Loop) cycle() (keepGoing bool) {
	defer func() {
		if r := recover(); r != nil {
			l.stats.panics.Add(1)
			l.logger.Error("Recovered from panic in detection cycle", zap.Any("panic", r))
			keepGoing = true
		}
	}()

	frame, err := l.source.Capture()
	if errors.Is(err, camera.ErrSourceClosed) {
		return false
	}
	if err != nil {
		l.stats.skipped.Add(1)
		l.logger.Debug("Frame capture failed, skipping cycle", zap.Error(err))
		return true
	}
	defer frame.Close()
	l.stats.cycles.Add(1)

	sig, err := l.detector.Detect(frame)
	if err != nil {
		l.stats.skipped.Add(1)
		l.logger.Debug("Detection failed, skipping cycle", zap.Uint64("sequence", frame.Sequence), zap.Error(err))
		return true
	}
	if !sig.Motion {
		return true
	}
	l.stats.motion.Add(1)

	if l.opts.Snapshot {
		if jpg, err := camera.EncodeJPEG(frame, l.opts.JPEGQuality); err != nil {
			l.logger.Warn("Snapshot encoding failed", zap.Error(err))
		} else {
			sig.Snapshot = jpg
		}
	}

	if l.notifier.Notify(sig, l.now()) {
		l.stats.alerts.Add(1)
	}
	return true
}
