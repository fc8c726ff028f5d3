package display

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/fluo-camera/internal/types"
)

// PreviewOptions controls preview rendering
type PreviewOptions struct {
	// MaxWidth and MaxHeight bound the output; 0 keeps the frame size
	MaxWidth  int
	MaxHeight int
	// Low and High fix the display range. When both are zero the range is
	// stretched to the frame's own min and max.
	Low  uint16
	High uint16
}

// Levels returns the minimum and maximum sample of a frame
func Levels(f *types.Frame) (lo, hi uint16) {
	lo = ^uint16(0)
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			v := sample(f, row, x)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	return lo, hi
}

func sample(f *types.Frame, row []byte, x int) uint16 {
	if f.PixelType == types.Mono16 {
		return binary.LittleEndian.Uint16(row[x*2:])
	}
	return uint16(row[x])
}

// Render maps a frame to an 8-bit grayscale preview, contrast stretched
// and scaled down to fit the bounds
func Render(f *types.Frame, opts PreviewOptions) (image.Image, error) {
	if f == nil || f.Released() {
		return nil, fmt.Errorf("display: no frame to render")
	}

	lo, hi := opts.Low, opts.High
	if lo == 0 && hi == 0 {
		lo, hi = Levels(f)
	}
	if hi < lo {
		return nil, fmt.Errorf("display: invalid levels %d..%d", lo, hi)
	}
	span := uint32(hi - lo)
	if span == 0 {
		span = 1
	}

	img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		out := img.Pix[y*img.Stride:]
		for x := 0; x < f.Width; x++ {
			v := sample(f, row, x)
			switch {
			case v <= lo:
				out[x] = 0
			case v >= hi:
				out[x] = 255
			default:
				out[x] = uint8(uint32(v-lo) * 255 / span)
			}
		}
	}

	if opts.MaxWidth <= 0 && opts.MaxHeight <= 0 {
		return img, nil
	}
	w, h := opts.MaxWidth, opts.MaxHeight
	if w <= 0 {
		w = f.Width
	}
	if h <= 0 {
		h = f.Height
	}
	return imaging.Fit(img, w, h, imaging.Box), nil
}

// WritePNG renders f and writes it as PNG
func WritePNG(w io.Writer, f *types.Frame, opts PreviewOptions) error {
	img, err := Render(f, opts)
	if err != nil {
		return err
	}
	return imaging.Encode(w, img, imaging.PNG)
}
