// Package ring provides the circular display buffer written by the
// acquisition loop.
//
// The ring holds K pre-allocated frame slots. The single writer fills the
// slot under the cursor, then publishes it: the slot becomes Latest and
// the cursor moves on (mod K). With K >= 2 the slot being written is never
// the most recently published one.
//
// Readers get a pointer to the published slot. The slot stays untouched
// for the next K-1 publishes; a reader that needs the pixels longer must
// copy them.
package ring

import (
	"fmt"
	"sync/atomic"

	"github.com/e7canasta/fluo-camera/internal/types"
)

// MinDepth is the smallest ring that keeps write and published slots apart
const MinDepth = 2

// Cursor is an index that wraps modulo Size
type Cursor struct {
	pos  int
	size int
}

// NewCursor returns a cursor at 0 over size slots
func NewCursor(size int) Cursor {
	return Cursor{size: size}
}

// Pos returns the current index
func (c Cursor) Pos() int {
	return c.pos
}

// Size returns the modulus
func (c Cursor) Size() int {
	return c.size
}

// Next returns the cursor advanced by one slot
func (c Cursor) Next() Cursor {
	c.pos = (c.pos + 1) % c.size
	return c
}

// Ring is a fixed-depth circular buffer of frames
//
// Write side (WriteSlot, Publish) is single-goroutine only.
// Read side (Latest, Published, Cursor) is safe from any goroutine.
type Ring struct {
	slots    []*types.Frame
	geometry types.Geometry

	cursor    Cursor       // writer-owned
	cursorPos atomic.Int64 // mirror of cursor.pos for readers
	latest    atomic.Int64 // -1 until the first publish
	published atomic.Uint64
}

// New allocates depth slots sized for g
func New(depth int, g types.Geometry) (*Ring, error) {
	if depth < MinDepth {
		return nil, fmt.Errorf("ring: depth %d too small (minimum %d)", depth, MinDepth)
	}
	if !g.Valid() {
		return nil, fmt.Errorf("ring: invalid geometry %s", g)
	}

	r := &Ring{
		slots:    make([]*types.Frame, depth),
		geometry: g,
		cursor:   NewCursor(depth),
	}
	for i := range r.slots {
		r.slots[i] = types.NewFrame(g)
	}
	r.latest.Store(-1)
	return r, nil
}

// Len returns the ring depth K
func (r *Ring) Len() int {
	return len(r.slots)
}

// Geometry returns the layout every slot was allocated for
func (r *Ring) Geometry() types.Geometry {
	return r.geometry
}

// WriteSlot returns the slot under the cursor for the writer to fill
func (r *Ring) WriteSlot() *types.Frame {
	return r.slots[r.cursor.Pos()]
}

// Publish marks the slot under the cursor as the latest frame and advances
// the cursor. It returns the published slot and its index.
func (r *Ring) Publish() (*types.Frame, int) {
	idx := r.cursor.Pos()
	r.latest.Store(int64(idx))
	r.published.Add(1)

	r.cursor = r.cursor.Next()
	r.cursorPos.Store(int64(r.cursor.Pos()))
	return r.slots[idx], idx
}

// Latest returns the most recently published slot, or nil before the first publish
func (r *Ring) Latest() (*types.Frame, int) {
	idx := r.latest.Load()
	if idx < 0 {
		return nil, -1
	}
	return r.slots[idx], int(idx)
}

// Cursor returns the index the next write goes to
func (r *Ring) Cursor() int {
	return int(r.cursorPos.Load())
}

// Published returns the total number of publishes
func (r *Ring) Published() uint64 {
	return r.published.Load()
}

// Slot returns slot i for inspection
func (r *Ring) Slot(i int) *types.Frame {
	return r.slots[i]
}
