package imagepipe

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"photo-engine/internal/logging"
	"photo-engine/internal/thumbnail"

	_ "image/gif"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Pipeline is the default image decode/encode implementation backing the
// thumbnail cache. It prefers libvips when available (decode-time
// shrinking, source property probing) and falls back to pure-Go decoding.
type Pipeline struct{}

// NewPipeline returns the default pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// highDepthExts are formats that commonly carry more than 8 bits per
// channel; used when libvips is unavailable to probe the real properties.
var highDepthExts = map[string]bool{
	".exr":  true,
	".hdr":  true,
	".tiff": true,
	".tif":  true,
	".dng":  true,
	".cr2":  true,
	".nef":  true,
	".arw":  true,
	".heic": true,
	".heif": true,
	".avif": true,
}

// DecodeAndResize opens and auto-orients the source, shrinking it so the
// longer edge is at most maxPixelSize.
func (p *Pipeline) DecodeAndResize(path string, maxPixelSize int) (image.Image, thumbnail.SourceInfo, error) {
	info := p.probe(path)

	if IsVipsAvailable() {
		img, err := loadWithVips(path, maxPixelSize)
		if err == nil {
			return img, info, nil
		}
		logging.Debug("vips decode failed for %s: %v, falling back", path, err)
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		img, err = decodeStandard(path)
		if err != nil {
			return nil, info, fmt.Errorf("all decode methods failed for %s: %w", path, err)
		}
	}

	return imaging.Fit(img, maxPixelSize, maxPixelSize, imaging.Lanczos), info, nil
}

// decodeStandard tries the registered stdlib decoders directly, which
// handles a few files imaging rejects.
func decodeStandard(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, format, err := image.Decode(file)
	if err != nil {
		return nil, err
	}
	logging.Debug("Decoded %s as %s", path, format)
	return img, nil
}

// probe reports the source's bit depth, color space and float-ness. With
// libvips the real header is inspected; otherwise the extension gives a
// conservative guess.
func (p *Pipeline) probe(path string) thumbnail.SourceInfo {
	if IsVipsAvailable() {
		if info, ok := probeWithVips(path); ok {
			return info
		}
	}

	ext := strings.ToLower(filepath.Ext(path))
	if highDepthExts[ext] {
		return thumbnail.SourceInfo{BitDepth: 16, ColorSpace: "unknown-wide"}
	}
	return thumbnail.SourceInfo{BitDepth: 8, ColorSpace: "srgb"}
}

// ToneMap compresses highlight range so HDR sources don't produce
// blown-out previews.
func (p *Pipeline) ToneMap(img image.Image) image.Image {
	return toneMapReinhard(img)
}

// Encode writes JPEG bytes at the given quality.
func (p *Pipeline) Encode(img image.Image, quality int) ([]byte, error) {
	return encodeJPEG(img, quality)
}
