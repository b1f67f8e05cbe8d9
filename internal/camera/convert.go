package camera

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"gocv.io/x/gocv"
)

// toMat converts a decoded camera image into a BGR Mat the detector and the
// JPEG encoder understand. The returned Mat is owned by the caller.
func toMat(img image.Image) (gocv.Mat, error) {
	if img == nil {
		return gocv.NewMat(), fmt.Errorf("camera: nil image")
	}
	if img.Bounds().Empty() {
		return gocv.NewMat(), fmt.Errorf("camera: empty image bounds")
	}

	switch im := img.(type) {
	case *image.YCbCr:
		return ycbcrToMat(im)
	case *image.Gray:
		return packedToMat(im.Pix, im.Stride, im.Rect, 1, gocv.MatTypeCV8UC1, gocv.ColorGrayToBGR)
	case *image.NRGBA:
		return packedToMat(im.Pix, im.Stride, im.Rect, 4, gocv.MatTypeCV8UC4, gocv.ColorRGBAToBGR)
	case *image.RGBA:
		// Opaque camera frames: premultiplied and straight alpha coincide.
		return packedToMat(im.Pix, im.Stride, im.Rect, 4, gocv.MatTypeCV8UC4, gocv.ColorRGBAToBGR)
	default:
		b := img.Bounds()
		rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
		return packedToMat(rgba.Pix, rgba.Stride, rgba.Rect, 4, gocv.MatTypeCV8UC4, gocv.ColorRGBAToBGR)
	}
}

// packedToMat copies an interleaved pixel buffer into a Mat, repacking rows
// when the stride or origin do not allow a direct copy, then converts to BGR.
func packedToMat(pix []byte, stride int, rect image.Rectangle, bpp int, mt gocv.MatType, code gocv.ColorConversionCode) (gocv.Mat, error) {
	w, h := rect.Dx(), rect.Dy()
	rowBytes := w * bpp

	buf := pix
	if stride != rowBytes || rect.Min != (image.Point{}) {
		buf = make([]byte, rowBytes*h)
		for y := 0; y < h; y++ {
			src := (rect.Min.Y+y)*stride + rect.Min.X*bpp
			copy(buf[y*rowBytes:(y+1)*rowBytes], pix[src:src+rowBytes])
		}
	} else {
		buf = pix[:rowBytes*h]
	}

	src, err := gocv.NewMatFromBytes(h, w, mt, buf)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("camera: mat from %d-channel buffer: %w", bpp, err)
	}
	defer src.Close()

	dst := gocv.NewMat()
	gocv.CvtColor(src, &dst, code)
	return dst, nil
}

// ycbcrToMat handles every subsampling ratio through YOffset/COffset.
func ycbcrToMat(im *image.YCbCr) (gocv.Mat, error) {
	b := im.Bounds()
	w, h := b.Dx(), b.Dy()

	mat := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	data, err := mat.DataPtrUint8()
	if err != nil {
		mat.Close()
		return gocv.NewMat(), fmt.Errorf("camera: mat data pointer: %w", err)
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			yi := im.YOffset(x, y)
			ci := im.COffset(x, y)
			r, g, bl := color.YCbCrToRGB(im.Y[yi], im.Cb[ci], im.Cr[ci])
			data[i], data[i+1], data[i+2] = bl, g, r
			i += 3
		}
	}
	return mat, nil
}
