package imagepipe

import (
	"bytes"
	"fmt"
	"image"
	"sync"

	"photo-engine/internal/logging"
	"photo-engine/internal/thumbnail"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/disintegration/imaging"
)

var (
	vipsInitMutex   sync.Mutex
	vipsInitialized bool
	vipsAvailable   bool
)

// InitVips initializes libvips. Call once at startup; safe to call again.
// NOTE: govips does not support stopping and restarting vips in the same
// process.
func InitVips() error {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		return nil
	}

	vips.LoggingSettings(func(domain string, level vips.LogLevel, msg string) {
		switch {
		case level >= vips.LogLevelError:
			logging.Error("[%s] %s", domain, msg)
		case level == vips.LogLevelWarning:
			logging.Warn("[%s] %s", domain, msg)
		default:
			logging.Debug("[%s] %s", domain, msg)
		}
	}, vips.LogLevelWarning)

	// Conservative memory settings; the scheduler already serializes
	// thumbnail work, so one concurrent decode is enough.
	vips.Startup(&vips.Config{
		ConcurrencyLevel: 1,
		MaxCacheMem:      50 * 1024 * 1024,
		MaxCacheSize:     100,
	})

	vipsInitialized = true
	vipsAvailable = true
	logging.Info("libvips initialized (version: %s)", vips.Version)
	return nil
}

// ShutdownVips releases libvips resources.
func ShutdownVips() {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()

	if vipsInitialized {
		vips.Shutdown()
		vipsInitialized = false
		vipsAvailable = false
	}
}

// IsVipsAvailable reports whether libvips is initialized.
func IsVipsAvailable() bool {
	vipsInitMutex.Lock()
	defer vipsInitMutex.Unlock()
	return vipsAvailable
}

// probeWithVips inspects the source header for the properties the
// tone-map decision needs.
func probeWithVips(path string) (thumbnail.SourceInfo, bool) {
	ref, err := vips.LoadImageFromFile(path, vips.NewImportParams())
	if err != nil {
		logging.Debug("vips probe failed for %s: %v", path, err)
		return thumbnail.SourceInfo{}, false
	}
	defer ref.Close()

	info := thumbnail.SourceInfo{BitDepth: 8}

	switch ref.BandFormat() {
	case vips.BandFormatUshort, vips.BandFormatShort:
		info.BitDepth = 16
	case vips.BandFormatUint, vips.BandFormatInt:
		info.BitDepth = 32
	case vips.BandFormatFloat:
		info.BitDepth = 32
		info.HasFloat = true
	case vips.BandFormatDouble:
		info.BitDepth = 64
		info.HasFloat = true
	}

	switch ref.Interpretation() {
	case vips.InterpretationSRGB:
		info.ColorSpace = "srgb"
	case vips.InterpretationRGB16:
		info.ColorSpace = "rgb16"
	case vips.InterpretationGrey16:
		info.ColorSpace = "grey16"
	case vips.InterpretationScRGB:
		info.ColorSpace = "scrgb"
	case vips.InterpretationLab:
		info.ColorSpace = "lab"
	case vips.InterpretationBW:
		info.ColorSpace = "bw"
	default:
		info.ColorSpace = "unknown"
	}

	return info, true
}

// loadWithVips decodes and shrinks in one pass, which is far more memory
// efficient than loading full pixels and resizing afterwards.
func loadWithVips(path string, maxPixelSize int) (image.Image, error) {
	ref, err := vips.LoadImageFromFile(path, vips.NewImportParams())
	if err != nil {
		return nil, fmt.Errorf("vips failed to load image: %w", err)
	}
	defer ref.Close()

	if err := ref.Thumbnail(maxPixelSize, maxPixelSize, vips.InterestingNone); err != nil {
		return nil, fmt.Errorf("vips resize failed: %w", err)
	}

	imgBytes, _, err := ref.ExportJpeg(&vips.JpegExportParams{
		Quality:        95,
		OptimizeCoding: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vips export failed: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(imgBytes), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode vips output: %w", err)
	}
	return img, nil
}
