package camera

import (
	"fmt"

	"gocv.io/x/gocv"
)

// EncodeJPEG compresses f at quality (1-100; out-of-range values fall back
// to 80). The returned bytes are a copy and outlive the frame.
func EncodeJPEG(f *Frame, quality int) ([]byte, error) {
	if f == nil || f.Mat.Empty() {
		return nil, fmt.Errorf("camera: encode empty frame")
	}
	if quality < 1 || quality > 100 {
		quality = 80
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, f.Mat, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("camera: encode jpeg: %w", err)
	}
	defer buf.Close()

	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}
