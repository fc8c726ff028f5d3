package types

import (
	"fmt"
	"time"
)

// PixelType is the sample format of a monochrome sensor frame
type PixelType int

const (
	// Mono8 is one unsigned byte per pixel
	Mono8 PixelType = iota
	// Mono16 is two bytes per pixel, little-endian on the wire
	Mono16
)

// BytesPerPixel returns the sample size in bytes
func (p PixelType) BytesPerPixel() int {
	switch p {
	case Mono16:
		return 2
	default:
		return 1
	}
}

// String returns the config/log spelling of the pixel type
func (p PixelType) String() string {
	switch p {
	case Mono8:
		return "mono8"
	case Mono16:
		return "mono16"
	default:
		return "unknown"
	}
}

// ParsePixelType maps a config value to a PixelType
func ParsePixelType(s string) (PixelType, error) {
	switch s {
	case "mono8", "8":
		return Mono8, nil
	case "mono16", "16", "":
		return Mono16, nil
	default:
		return Mono8, fmt.Errorf("unknown pixel type %q (must be mono8 or mono16)", s)
	}
}

// Geometry describes the layout every frame of a stream shares
type Geometry struct {
	Width     int
	Height    int
	PixelType PixelType
}

// RowBytes returns the packed row length (no padding)
func (g Geometry) RowBytes() int {
	return g.Width * g.PixelType.BytesPerPixel()
}

// FrameBytes returns the packed frame size
func (g Geometry) FrameBytes() int {
	return g.RowBytes() * g.Height
}

// Valid reports whether the geometry can back a frame buffer
func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0 && (g.PixelType == Mono8 || g.PixelType == Mono16)
}

// String returns e.g. "2048x2048/mono16"
func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d/%s", g.Width, g.Height, g.PixelType)
}

// Frame represents a single sensor frame
//
// Pix is owned by the slot the frame lives in (ring or session buffer).
// Rows are packed: Stride == Geometry.RowBytes() for every frame produced
// by this module, whatever the device row stride was.
type Frame struct {
	// Seq is the acquisition counter value when the frame was copied
	Seq uint64
	// Timestamp is the wall-clock stamp (zero for display frames)
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// PixelType is the sample format
	PixelType PixelType
	// Stride is the row length in bytes
	Stride int
	// Pix holds the samples, Mono16 little-endian
	Pix []byte
}

// NewFrame allocates a zeroed packed frame for the geometry
func NewFrame(g Geometry) *Frame {
	return &Frame{
		Width:     g.Width,
		Height:    g.Height,
		PixelType: g.PixelType,
		Stride:    g.RowBytes(),
		Pix:       make([]byte, g.FrameBytes()),
	}
}

// Geometry returns the frame's layout
func (f *Frame) Geometry() Geometry {
	return Geometry{Width: f.Width, Height: f.Height, PixelType: f.PixelType}
}

// CopyFrom copies device data with the given row stride into the packed
// frame. It returns an error if src is too short for the geometry.
func (f *Frame) CopyFrom(src []byte, srcStride int) error {
	rowBytes := f.Stride
	if srcStride < rowBytes {
		return fmt.Errorf("row stride %d shorter than row %d", srcStride, rowBytes)
	}
	need := srcStride*(f.Height-1) + rowBytes
	if len(src) < need {
		return fmt.Errorf("frame data %d bytes, need %d", len(src), need)
	}

	if srcStride == rowBytes {
		copy(f.Pix, src[:rowBytes*f.Height])
		return nil
	}
	for y := 0; y < f.Height; y++ {
		copy(f.Pix[y*rowBytes:(y+1)*rowBytes], src[y*srcStride:y*srcStride+rowBytes])
	}
	return nil
}

// Release drops the pixel storage
func (f *Frame) Release() {
	f.Pix = nil
}

// Released reports whether the pixel storage was dropped
func (f *Frame) Released() bool {
	return f.Pix == nil
}
