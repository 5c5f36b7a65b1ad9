package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

const DefaultJPEGQuality = 90

// yuyvImage converts a packed YUYV 4:2:2 frame.
func yuyvImage(frame []byte, width, height int) (*image.YCbCr, error) {
	if need := width * height * 2; len(frame) < need {
		return nil, fmt.Errorf("short yuyv frame: %d bytes, want %d", len(frame), need)
	}

	yuyv := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)
	for i := range yuyv.Cb {
		ii := i * 4
		yuyv.Y[i*2] = frame[ii]
		yuyv.Y[i*2+1] = frame[ii+2]
		yuyv.Cb[i] = frame[ii+1]
		yuyv.Cr[i] = frame[ii+3]
	}
	return yuyv, nil
}

// rotate turns img clockwise by r.
func rotate(img image.Image, r Rotation) image.Image {
	if r == Rotation0 {
		return img
	}

	src := img.Bounds()
	w, h := src.Dx(), src.Dy()

	var dst *image.RGBA
	if r == Rotation180 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(src.Min.X+x, src.Min.Y+y)
			switch r {
			case Rotation90:
				dst.Set(h-1-y, x, c)
			case Rotation180:
				dst.Set(w-1-x, h-1-y, c)
			case Rotation270:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("fail to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// rotateJPEG re-encodes data only when there is something to rotate.
func rotateJPEG(data []byte, r Rotation, quality int) ([]byte, error) {
	if r == Rotation0 {
		return data, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("fail to decode jpeg: %w", err)
	}
	return encodeJPEG(rotate(img, r), quality)
}
