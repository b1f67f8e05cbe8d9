package notification

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mikeyg42/motionalarm/internal/motion"
)

var (
	// ErrEmailNotConfigured is returned when sender or recipient is missing.
	ErrEmailNotConfigured = errors.New("notification: email sender, password or recipient not configured")

	// ErrSoundUnsupported is returned on platforms without a known player.
	ErrSoundUnsupported = errors.New("notification: no audio player for this platform")
)

// Alerter delivers one alert. Implementations must honor ctx and may be
// slow; the dispatcher runs each on its own worker.
type Alerter interface {
	Name() string
	Alert(ctx context.Context, ev Event) error
}

// Event is one fired alert, shared read-only by every alerter.
type Event struct {
	ID         string
	Time       time.Time
	SystemName string
	Regions    []motion.Region
	Area       float64
	// Snapshot is the JPEG of the triggering frame, if one was taken.
	Snapshot []byte
}

// NewEvent builds an event from a motion signal.
func NewEvent(sig motion.Signal, now time.Time, systemName string) Event {
	return Event{
		ID:         uuid.New().String(),
		Time:       now,
		SystemName: systemName,
		Regions:    sig.Regions,
		Area:       sig.TotalArea(),
		Snapshot:   sig.Snapshot,
	}
}
