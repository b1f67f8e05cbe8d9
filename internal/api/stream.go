package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/camera"
)

const (
	mjpegBoundary    = "frame"
	streamRetryDelay = 20 * time.Millisecond
)

// streamHandler serves /video_feed. Every connection runs its own capture
// loop against the shared camera; there is no fan-out buffer.
type streamHandler struct {
	source      camera.Source
	quality     int
	maxFailures int
	retryDelay  time.Duration
	logger      *zap.Logger
}

// writePart writes one multipart/x-mixed-replace part.
func writePart(w io.Writer, jpg []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\n\r\n", mjpegBoundary); err != nil {
		return err
	}
	if _, err := w.Write(jpg); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func (h *streamHandler) serve(c *gin.Context) {
	clientID := uuid.NewString()
	log := h.logger.With(zap.String("client_id", clientID), zap.String("remote", c.ClientIP()))

	header := c.Writer.Header()
	header.Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Connection", "close")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	log.Info("Stream client connected")

	ctx := c.Request.Context()
	var frames, failures int
	reason := "client disconnected"
	defer func() {
		log.Info("Stream client finished", zap.String("reason", reason), zap.Int("frames", frames))
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		jpg, err := h.next()
		if errors.Is(err, camera.ErrSourceClosed) {
			reason = "camera closed"
			return
		}
		if err != nil {
			failures++
			if h.maxFailures > 0 && failures >= h.maxFailures {
				reason = "too many capture failures"
				log.Warn("Ending stream after repeated failures", zap.Int("failures", failures), zap.Error(err))
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.retryDelay):
			}
			continue
		}
		failures = 0

		if err := writePart(c.Writer, jpg); err != nil {
			log.Debug("Stream write failed", zap.Error(err))
			return
		}
		c.Writer.Flush()
		frames++
	}
}

// next captures and encodes one frame.
func (h *streamHandler) next() ([]byte, error) {
	frame, err := h.source.Capture()
	if err != nil {
		return nil, err
	}
	defer frame.Close()
	return camera.EncodeJPEG(frame, h.quality)
}
