package imagepipe

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
)

// toneMapReinhard applies a global Reinhard operator per channel:
// v' = v * (1 + v/w²) / (1 + v), with values normalized to [0,1] and a
// white point just above full scale. It compresses highlights while
// leaving shadows nearly linear, which is what a standard-range preview
// of an extended-range source needs.
func toneMapReinhard(src image.Image) image.Image {
	const whitePoint = 1.05
	bounds := src.Bounds()
	dst := image.NewNRGBA(bounds)

	var lut [256]uint8
	for i := range lut {
		v := float64(i) / 255.0
		mapped := v * (1 + v/(whitePoint*whitePoint)) / (1 + v)
		if mapped > 1 {
			mapped = 1
		}
		lut[i] = uint8(mapped*255 + 0.5)
	}

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := src.At(x, y).RGBA()
			i := (y-bounds.Min.Y)*dst.Stride + (x-bounds.Min.X)*4
			dst.Pix[i+0] = lut[r>>8]
			dst.Pix[i+1] = lut[g>>8]
			dst.Pix[i+2] = lut[b>>8]
			dst.Pix[i+3] = uint8(a >> 8)
		}
	}
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}
