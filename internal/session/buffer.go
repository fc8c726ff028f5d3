package session

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/e7canasta/fluo-camera/internal/types"
)

// MaxFrames is the largest capture session the buffer will allocate
const MaxFrames = 10000

var (
	// ErrGeometryMismatch is returned when a frame or request does not match the allocation
	ErrGeometryMismatch = errors.New("session: geometry mismatch")
	// ErrNotAllocated is returned when a session is started without a buffer
	ErrNotAllocated = errors.New("session: buffer not allocated")
	// ErrActive is returned when a session is started while another is filling
	ErrActive = errors.New("session: capture session already active")
	// ErrInvalidCount is returned for a frame count outside 1..MaxFrames
	ErrInvalidCount = errors.New("session: invalid frame count")
)

// Buffer is the contiguous set of N pre-sized frame slots of one capture session
//
// Slots are written only by the acquisition loop while the owning Session
// is active, and read only by writer workers after it is detached.
type Buffer struct {
	id       string
	geometry types.Geometry
	slots    []*types.Frame
	filled   int
}

// Allocate creates count slots sized for g
func Allocate(count int, g types.Geometry) (*Buffer, error) {
	if count < 1 || count > MaxFrames {
		return nil, fmt.Errorf("%w %d (must be 1-%d)", ErrInvalidCount, count, MaxFrames)
	}
	if !g.Valid() {
		return nil, fmt.Errorf("session: invalid geometry %s", g)
	}

	b := &Buffer{
		id:       uuid.New().String(),
		geometry: g,
		slots:    make([]*types.Frame, count),
	}
	for i := range b.slots {
		b.slots[i] = types.NewFrame(g)
	}

	slog.Info("session: buffer allocated",
		"session_id", b.id,
		"frames", count,
		"geometry", g.String(),
		"bytes", int64(count)*int64(g.FrameBytes()),
	)
	return b, nil
}

// ID returns the unique session identifier
func (b *Buffer) ID() string {
	return b.id
}

// Geometry returns the layout the slots were allocated for
func (b *Buffer) Geometry() types.Geometry {
	return b.geometry
}

// Check rejects a geometry that differs from the allocation
func (b *Buffer) Check(g types.Geometry) error {
	if g != b.geometry {
		return fmt.Errorf("%w: buffer %s, requested %s", ErrGeometryMismatch, b.geometry, g)
	}
	return nil
}

// Len returns the target frame count N
func (b *Buffer) Len() int {
	return len(b.slots)
}

// Filled returns how many slots hold captured frames
func (b *Buffer) Filled() int {
	return b.filled
}

// Frames returns the filled prefix
func (b *Buffer) Frames() []*types.Frame {
	return b.slots[:b.filled]
}

// Release drops the pixel storage of every slot
func (b *Buffer) Release() {
	for _, f := range b.slots {
		f.Release()
	}
	slog.Debug("session: buffer released", "session_id", b.id)
}
