package recording

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/image/tiff"

	"github.com/e7canasta/fluo-camera/internal/framesource"
	"github.com/e7canasta/fluo-camera/internal/types"
)

// Format is an output file format
type Format int

const (
	// FormatTIFF is lossless Deflate-compressed TIFF (16-bit preserved)
	FormatTIFF Format = iota
	// FormatPNG is 8- or 16-bit grayscale PNG
	FormatPNG
	// FormatRaw is packed little-endian samples with no header
	FormatRaw
)

// String returns the file extension for the format
func (f Format) String() string {
	switch f {
	case FormatTIFF:
		return "tiff"
	case FormatPNG:
		return "png"
	case FormatRaw:
		return "raw"
	default:
		return "unknown"
	}
}

// ParseFormat maps a config value to a Format ("" selects tiff)
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "tiff", "tif", "":
		return FormatTIFF, nil
	case "png":
		return FormatPNG, nil
	case "raw":
		return FormatRaw, nil
	default:
		return FormatTIFF, fmt.Errorf("recording: unknown format %q (must be tiff, png or raw)", s)
	}
}

// FileName returns "<prefix>_<microseconds>.<ext>". The timestamp is
// zero-padded so lexical order matches acquisition order.
func FileName(prefix string, ts time.Time, format Format) string {
	return fmt.Sprintf("%s_%016d.%s", prefix, ts.UnixMicro(), format)
}

// ToImage wraps a frame as a grayscale image. Mono16 samples are converted
// to the big-endian layout image.Gray16 uses; Mono8 shares the frame memory.
func ToImage(f *types.Frame) (image.Image, error) {
	if f.Released() {
		return nil, fmt.Errorf("recording: frame %d already released", f.Seq)
	}
	rect := image.Rect(0, 0, f.Width, f.Height)

	switch f.PixelType {
	case types.Mono8:
		return &image.Gray{Pix: f.Pix, Stride: f.Stride, Rect: rect}, nil
	case types.Mono16:
		img := image.NewGray16(rect)
		for y := 0; y < f.Height; y++ {
			src := f.Pix[y*f.Stride : y*f.Stride+f.Width*2]
			dst := img.Pix[y*img.Stride : y*img.Stride+f.Width*2]
			for x := 0; x < len(src); x += 2 {
				binary.BigEndian.PutUint16(dst[x:], binary.LittleEndian.Uint16(src[x:]))
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("recording: unsupported pixel type %s", f.PixelType)
	}
}

// Encode writes one frame to w in the given format
func Encode(w io.Writer, f *types.Frame, format Format) error {
	if format == FormatRaw {
		if f.Released() {
			return fmt.Errorf("recording: frame %d already released", f.Seq)
		}
		rowBytes := f.Geometry().RowBytes()
		for y := 0; y < f.Height; y++ {
			if _, err := w.Write(f.Pix[y*f.Stride : y*f.Stride+rowBytes]); err != nil {
				return err
			}
		}
		return nil
	}

	img, err := ToImage(f)
	if err != nil {
		return err
	}
	switch format {
	case FormatTIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case FormatPNG:
		return imaging.Encode(w, img, imaging.PNG)
	default:
		return fmt.Errorf("recording: unsupported format %s", format)
	}
}

// WriteFile encodes f into path, creating or truncating it
func WriteFile(path string, f *types.Frame, format Format) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return framesource.NewError("recording", "create", framesource.ErrCategoryIO, filepath.Base(path), err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = framesource.NewError("recording", "close", framesource.ErrCategoryIO, filepath.Base(path), cerr)
		}
	}()

	bw := bufio.NewWriterSize(file, 256*1024)
	if err := Encode(bw, f, format); err != nil {
		return framesource.NewError("recording", "encode", framesource.ErrCategoryIO, filepath.Base(path), err)
	}
	if err := bw.Flush(); err != nil {
		return framesource.NewError("recording", "flush", framesource.ErrCategoryIO, filepath.Base(path), err)
	}
	return nil
}
