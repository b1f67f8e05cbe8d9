package motion

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/motionalarm/internal/camera"
	"github.com/mikeyg42/motionalarm/internal/config"
)

// ErrEmptyFrame is returned for frames without pixels; the reference is kept.
var ErrEmptyFrame = errors.New("motion: empty frame")

// Region is one connected area of change.
type Region struct {
	Bounds image.Rectangle
	Area   float64
}

// Signal is the outcome of one detection cycle.
type Signal struct {
	Motion    bool
	Regions   []Region
	Sequence  uint64
	Timestamp time.Time
	// Snapshot is an optional JPEG of the frame that produced the signal.
	Snapshot []byte
}

// TotalArea sums the area of all reported regions.
func (s Signal) TotalArea() float64 {
	var total float64
	for _, r := range s.Regions {
		total += r.Area
	}
	return total
}

type Stats struct {
	FramesProcessed int64
	MotionFrames    int64
	LastMotionTime  time.Time
	MaxMotionArea   float64
	ProcessingTime  time.Duration
}

// Detector compares each frame with the previous one. It keeps exactly one
// reference frame: the blurred grayscale version of the last frame seen.
type Detector struct {
	cfg config.MotionConfig

	mu        sync.Mutex
	reference gocv.Mat
	hasRef    bool
	kernel    gocv.Mat
	stats     Stats
}

func NewDetector(cfg config.MotionConfig) (*Detector, error) {
	if cfg.BlurSize <= 0 || cfg.BlurSize%2 == 0 {
		return nil, fmt.Errorf("motion: blur size %d must be positive and odd", cfg.BlurSize)
	}
	if cfg.MinimumArea <= 0 {
		return nil, fmt.Errorf("motion: minimum area must be positive")
	}

	return &Detector{
		cfg:       cfg,
		reference: gocv.NewMat(),
		kernel:    gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: 3, Y: 3}),
	}, nil
}

// Detect grays and blurs frame, diffs it against the reference and reports
// motion when any changed region is strictly larger than the minimum area.
// The first frame only seeds the reference. The frame is not closed.
func (d *Detector) Detect(frame *camera.Frame) (Signal, error) {
	if frame == nil || frame.Mat.Empty() {
		return Signal{}, ErrEmptyFrame
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	defer func() {
		d.stats.ProcessingTime = time.Since(start)
	}()

	sig := Signal{Sequence: frame.Sequence, Timestamp: frame.Timestamp}

	gray := gocv.NewMat()
	if frame.Mat.Channels() > 1 {
		gocv.CvtColor(frame.Mat, &gray, gocv.ColorBGRToGray)
	} else {
		frame.Mat.CopyTo(&gray)
	}
	blurred := gocv.NewMat()
	gocv.GaussianBlur(gray, &blurred, image.Point{X: d.cfg.BlurSize, Y: d.cfg.BlurSize}, 0, 0, gocv.BorderDefault)
	gray.Close()

	d.stats.FramesProcessed++

	if !d.hasRef {
		d.replaceReference(blurred)
		return sig, nil
	}

	if blurred.Rows() != d.reference.Rows() || blurred.Cols() != d.reference.Cols() {
		// resolution changed mid-stream; start over from this frame
		d.replaceReference(blurred)
		return sig, nil
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(d.reference, blurred, &diff)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(diff, &mask, d.cfg.DiffThreshold, 255, gocv.ThresholdBinary)

	for i := 0; i < d.cfg.DilateIterations; i++ {
		gocv.Dilate(mask, &mask, d.kernel)
	}

	d.replaceReference(blurred)

	sig.Regions = d.regions(mask)
	sig.Motion = len(sig.Regions) > 0

	if sig.Motion {
		d.stats.MotionFrames++
		d.stats.LastMotionTime = frame.Timestamp
		if area := sig.TotalArea(); area > d.stats.MaxMotionArea {
			d.stats.MaxMotionArea = area
		}
	}
	return sig, nil
}

// regions extracts external contours and keeps those above the area gate.
func (d *Detector) regions(mask gocv.Mat) []Region {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var found []Region
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if exceedsArea(area, d.cfg.MinimumArea) {
			found = append(found, Region{Bounds: gocv.BoundingRect(c), Area: area})
		}
	}
	return found
}

// exceedsArea is the area gate; equal to the minimum is not motion.
func exceedsArea(area, minimum float64) bool {
	return area > minimum
}

// replaceReference takes ownership of next.
func (d *Detector) replaceReference(next gocv.Mat) {
	d.reference.Close()
	d.reference = next
	d.hasRef = true
}

// Reset drops the reference so the next frame seeds a new baseline.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reference.Close()
	d.reference = gocv.NewMat()
	d.hasRef = false
}

func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// HasReference reports whether a baseline frame is held.
func (d *Detector) HasReference() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasRef
}

// Close releases the reference frame and the dilation kernel.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.reference.Close()
	d.reference = gocv.NewMat()
	d.hasRef = false
	return d.kernel.Close()
}
