package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/motionalarm/internal/config"
)

// CAP_PROP_READ_TIMEOUT_MSEC; honored by the FFmpeg and V4L2 backends.
const capPropReadTimeoutMsec gocv.VideoCaptureProperties = 54

// VideoCaptureSource reads frames from an OpenCV VideoCapture: a device
// index, a video file or a stream URL.
type VideoCaptureSource struct {
	device string
	logger *zap.Logger

	// mu serializes reads; Close takes it too so the device is never
	// released under an in-flight Read.
	mu       sync.Mutex
	capture  *gocv.VideoCapture
	sequence uint64

	closed atomic.Bool
}

// OpenVideoCapture opens cfg.Device through gocv.
func OpenVideoCapture(cfg config.CameraConfig, logger *zap.Logger) (*VideoCaptureSource, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("camera")

	vc, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open video capture %q: %w", cfg.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open video capture %q: device not opened", cfg.Device)
	}

	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}
	if cfg.ReadTimeout > 0 {
		vc.Set(capPropReadTimeoutMsec, float64(cfg.ReadTimeout/time.Millisecond))
	}

	logger.Info("Camera opened",
		zap.String("backend", config.BackendGoCV),
		zap.String("device", cfg.Device))

	return &VideoCaptureSource{
		device:  cfg.Device,
		logger:  logger,
		capture: vc,
	}, nil
}

// Capture reads the next frame. The caller owns the returned frame.
func (s *VideoCaptureSource) Capture() (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSourceClosed
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok {
		mat.Close()
		return nil, fmt.Errorf("%w: read from %q failed", ErrNoFrame, s.device)
	}
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("%w: empty frame from %q", ErrNoFrame, s.device)
	}

	s.sequence++
	return &Frame{
		Mat:       mat,
		Sequence:  s.sequence,
		Timestamp: time.Now(),
	}, nil
}

// Close releases the device. Calls after the first are no-ops.
func (s *VideoCaptureSource) Close() error {
	if s.closed.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := s.capture.Close()
	s.logger.Info("Camera released",
		zap.String("device", s.device),
		zap.Uint64("frames", s.sequence))
	if err != nil {
		return fmt.Errorf("release video capture %q: %w", s.device, err)
	}
	return nil
}

// IsOpen reports whether Close has not been called yet.
func (s *VideoCaptureSource) IsOpen() bool {
	return !s.closed.Load()
}
