package camera

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera" // registers the camera adapter
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/config"
)

// MediaDeviceSource reads raw frames from a pion/mediadevices video track.
// It is used where OpenCV cannot open the camera directly.
type MediaDeviceSource struct {
	deviceID string
	logger   *zap.Logger

	stream mediadevices.MediaStream
	reader video.Reader

	mu       sync.Mutex // serializes reads
	sequence uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// OpenMediaDevice opens the camera identified by cfg.Device, or the first
// video input when it is empty.
func OpenMediaDevice(cfg config.CameraConfig, logger *zap.Logger) (*MediaDeviceSource, error) {
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("camera")

	constraints := mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if cfg.Device != "" {
				c.DeviceID = prop.String(cfg.Device)
			}
			if cfg.Width > 0 && cfg.Height > 0 {
				c.Width = prop.Int(cfg.Width)
				c.Height = prop.Int(cfg.Height)
			}
			if cfg.FPS > 0 {
				c.FrameRate = prop.Float(float32(cfg.FPS))
			}
		},
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("get user media: no video tracks")
	}
	videoTrack, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		for _, t := range stream.GetTracks() {
			t.Close()
		}
		return nil, fmt.Errorf("get user media: track is %T, not a video track", tracks[0])
	}

	logger.Info("Camera opened",
		zap.String("backend", config.BackendMediaDevices),
		zap.String("track", videoTrack.ID()))

	return &MediaDeviceSource{
		deviceID: cfg.Device,
		logger:   logger,
		stream:   stream,
		reader:   videoTrack.NewReader(false),
	}, nil
}

// Capture reads the next frame and converts it to a BGR Mat.
func (s *MediaDeviceSource) Capture() (*Frame, error) {
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return nil, ErrSourceClosed
	}

	img, release, err := s.reader.Read()
	if err != nil {
		if s.closed.Load() {
			return nil, ErrSourceClosed
		}
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}

	mat, err := toMat(img)
	if release != nil {
		release()
	}
	if err != nil {
		mat.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoFrame, err)
	}
	if s.closed.Load() {
		mat.Close()
		return nil, ErrSourceClosed
	}

	s.sequence++
	return &Frame{
		Mat:       mat,
		Sequence:  s.sequence,
		Timestamp: time.Now(),
	}, nil
}

// Close stops the tracks, which unblocks any in-flight Read.
func (s *MediaDeviceSource) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		for _, track := range s.stream.GetTracks() {
			track.Close()
		}
		s.logger.Info("Camera released", zap.String("device", s.deviceID))
	})
	return nil
}

func (s *MediaDeviceSource) IsOpen() bool {
	return !s.closed.Load()
}

// Device describes a video input visible to mediadevices.
type Device struct {
	ID    string
	Label string
}

// ListDevices enumerates the cameras the mediadevices backend can open. The
// IDs are valid values for camera.device with that backend.
func ListDevices() []Device {
	var out []Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.VideoInput {
			continue
		}
		out = append(out, Device{ID: d.DeviceID, Label: d.Label})
	}
	return out
}
