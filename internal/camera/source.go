// Package camera owns the camera device: it produces frames on demand and
// carries the one-way Open → Closed lifecycle shared by every consumer.
package camera

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/motionalarm/internal/config"
)

var (
	// ErrSourceClosed is returned by Capture once the source has been closed.
	// Loops treat it as their normal exit signal.
	ErrSourceClosed = errors.New("camera: source closed")

	// ErrNoFrame marks a transient read failure. Callers skip the cycle and retry.
	ErrNoFrame = errors.New("camera: no frame")
)

// Frame is one captured image. The consumer that receives it owns the Mat
// and must Close it.
type Frame struct {
	Mat       gocv.Mat
	Sequence  uint64
	Timestamp time.Time
}

// Close releases the frame's pixel buffer.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Mat.Close()
}

// Source is a camera shared by the detection loop and every stream
// connection. Capture and Close are safe to call concurrently; a Capture that
// races Close returns either a valid frame or ErrSourceClosed.
type Source interface {
	Capture() (*Frame, error)
	// Close is idempotent: only the first call releases the device.
	Close() error
	IsOpen() bool
}

// Open opens the backend selected in cfg.
func Open(cfg config.CameraConfig, logger *zap.Logger) (Source, error) {
	switch cfg.Backend {
	case config.BackendGoCV, "":
		return OpenVideoCapture(cfg, logger)
	case config.BackendMediaDevices:
		return OpenMediaDevice(cfg, logger)
	default:
		return nil, fmt.Errorf("camera: unknown backend %q", cfg.Backend)
	}
}
