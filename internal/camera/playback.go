package camera

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Playback replays a fixed sequence of frames. It backs offline replays and
// tests that need a deterministic camera.
type Playback struct {
	mu       sync.Mutex
	frames   []gocv.Mat
	index    int
	loop     bool
	closed   bool
	sequence uint64
}

// NewPlayback clones frames, so the caller keeps ownership of its Mats.
func NewPlayback(frames []gocv.Mat, loop bool) *Playback {
	owned := make([]gocv.Mat, len(frames))
	for i := range frames {
		owned[i] = frames[i].Clone()
	}
	return &Playback{frames: owned, loop: loop}
}

// Capture returns a copy of the next frame. A non-looping playback that has
// run out of frames reports ErrNoFrame until it is closed.
func (p *Playback) Capture() (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrSourceClosed
	}
	if len(p.frames) == 0 {
		return nil, fmt.Errorf("%w: playback has no frames", ErrNoFrame)
	}
	if p.index >= len(p.frames) {
		if !p.loop {
			return nil, fmt.Errorf("%w: playback exhausted", ErrNoFrame)
		}
		p.index = 0
	}

	mat := p.frames[p.index].Clone()
	p.index++
	p.sequence++

	return &Frame{
		Mat:       mat,
		Sequence:  p.sequence,
		Timestamp: time.Now(),
	}, nil
}

// Close releases the cloned frames.
func (p *Playback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	for i := range p.frames {
		p.frames[i].Close()
	}
	p.frames = nil
	return nil
}

func (p *Playback) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Remaining reports how many frames are left before a non-looping playback
// is exhausted.
func (p *Playback) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	return len(p.frames) - p.index
}
