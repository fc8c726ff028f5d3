package framesource

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/fluo-camera/internal/types"
)

const syntheticComponent = "synthetic"

// SyntheticConfig configures a generated frame source
type SyntheticConfig struct {
	Geometry types.Geometry
	// FPS paces frame production. 0 means a frame is always ready.
	FPS float64
	// FrameLimit stops production after this many frames (0 = unlimited)
	FrameLimit uint64
	// RowPadding adds bytes at the end of every device row
	RowPadding int
}

// Synthetic generates deterministic test frames behind the Source contract
//
// Frame n (1-based) is filled by FillPattern(n, ...), so tests can rebuild
// the exact pixels a given frame carried.
type Synthetic struct {
	cfg    SyntheticConfig
	stride int

	mu        sync.Mutex
	connected bool
	buffers   int
	streaming bool
	locked    bool
	lastAt    time.Time
	current   []byte
	seq       uint64

	// Fault injection (set before streaming)
	failAllocate error
	failStart    error
	badStride    map[uint64]bool

	produced atomic.Uint64
}

// NewSynthetic creates a synthetic source with fail-fast validation
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if !cfg.Geometry.Valid() {
		return nil, fmt.Errorf("framesource: invalid synthetic geometry %s", cfg.Geometry)
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("framesource: invalid FPS %.2f", cfg.FPS)
	}
	if cfg.RowPadding < 0 {
		return nil, fmt.Errorf("framesource: negative row padding")
	}

	stride := cfg.Geometry.RowBytes() + cfg.RowPadding
	return &Synthetic{
		cfg:       cfg,
		stride:    stride,
		current:   make([]byte, stride*cfg.Geometry.Height),
		badStride: make(map[uint64]bool),
	}, nil
}

// FailAllocate makes the next AllocateBuffers calls fail with err
func (s *Synthetic) FailAllocate(err error) {
	s.mu.Lock()
	s.failAllocate = err
	s.mu.Unlock()
}

// FailStart makes StartStreaming fail with err
func (s *Synthetic) FailStart(err error) {
	s.mu.Lock()
	s.failStart = err
	s.mu.Unlock()
}

// BadStrideAt makes the given frame numbers report a negative row stride
func (s *Synthetic) BadStrideAt(seqs ...uint64) {
	s.mu.Lock()
	for _, n := range seqs {
		s.badStride[n] = true
	}
	s.mu.Unlock()
}

// Produced returns how many frames were handed out by WaitForNextFrame
func (s *Synthetic) Produced() uint64 {
	return s.produced.Load()
}

// BuffersAllocated returns the device buffer count currently held
func (s *Synthetic) BuffersAllocated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers
}

// Streaming reports whether the source is in streaming mode
func (s *Synthetic) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *Synthetic) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewError(syntheticComponent, "connect", ErrCategoryConnection, "context done", err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	slog.Info("framesource: synthetic camera connected",
		"geometry", s.cfg.Geometry.String(),
		"fps", s.cfg.FPS,
	)
	return nil
}

func (s *Synthetic) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Synthetic) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.streaming = false
	s.buffers = 0
	return nil
}

func (s *Synthetic) Geometry() (types.Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return types.Geometry{}, NewError(syntheticComponent, "geometry", ErrCategoryConnection, "not connected", nil)
	}
	return s.cfg.Geometry, nil
}

func (s *Synthetic) AllocateBuffers(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return NewError(syntheticComponent, "allocframe", ErrCategoryConnection, "not connected", nil)
	}
	if s.failAllocate != nil {
		return NewError(syntheticComponent, "allocframe", ErrCategoryConnection, "injected failure", s.failAllocate)
	}
	if n <= 0 {
		return NewError(syntheticComponent, "allocframe", ErrCategoryConnection, fmt.Sprintf("invalid buffer count %d", n), nil)
	}
	s.buffers = n
	return nil
}

func (s *Synthetic) ReleaseBuffers() error {
	s.mu.Lock()
	s.buffers = 0
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers == 0 {
		return NewError(syntheticComponent, "capture", ErrCategoryConnection, "no buffers allocated", nil)
	}
	if s.failStart != nil {
		return NewError(syntheticComponent, "capture", ErrCategoryConnection, "injected failure", s.failStart)
	}
	s.streaming = true
	s.lastAt = time.Time{}
	return nil
}

func (s *Synthetic) StopStreaming() error {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
	return nil
}

func (s *Synthetic) WaitForNextFrame(timeout time.Duration) (bool, error) {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return false, NewError(syntheticComponent, "wait", ErrCategoryTransient, "not streaming", nil)
	}
	if s.cfg.FrameLimit > 0 && s.seq >= s.cfg.FrameLimit {
		s.mu.Unlock()
		time.Sleep(timeout)
		return false, nil
	}

	var delay time.Duration
	if s.cfg.FPS > 0 && !s.lastAt.IsZero() {
		next := s.lastAt.Add(time.Duration(float64(time.Second) / s.cfg.FPS))
		delay = time.Until(next)
	}
	s.mu.Unlock()

	if delay > timeout {
		time.Sleep(timeout)
		return false, nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return false, nil
	}
	s.seq++
	s.lastAt = time.Now()
	FillPattern(s.seq, s.cfg.Geometry, s.stride, s.current)
	s.produced.Add(1)
	return true, nil
}

func (s *Synthetic) LockFrame() ([]byte, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, 0, NewError(syntheticComponent, "lockdata", ErrCategoryTransient, "frame already locked", nil)
	}
	if s.seq == 0 {
		return nil, 0, NewError(syntheticComponent, "lockdata", ErrCategoryTransient, "no frame ready", nil)
	}
	s.locked = true
	if s.badStride[s.seq] {
		return s.current, -1, nil
	}
	return s.current, s.stride, nil
}

func (s *Synthetic) UnlockFrame() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return NewError(syntheticComponent, "unlockdata", ErrCategoryTransient, "frame not locked", nil)
	}
	s.locked = false
	return nil
}

// FillPattern writes the deterministic pattern of frame n into buf.
// Mono16 samples are little-endian; padding bytes are set to 0xFF.
func FillPattern(n uint64, g types.Geometry, stride int, buf []byte) {
	rowBytes := g.RowBytes()
	for y := 0; y < g.Height; y++ {
		row := buf[y*stride : y*stride+stride]
		for x := 0; x < g.Width; x++ {
			v := PatternValue(n, x, y)
			if g.PixelType == types.Mono16 {
				binary.LittleEndian.PutUint16(row[x*2:], v)
			} else {
				row[x] = uint8(v)
			}
		}
		for i := rowBytes; i < stride; i++ {
			row[i] = 0xFF
		}
	}
}

// PatternValue is the sample at (x, y) of synthetic frame n
func PatternValue(n uint64, x, y int) uint16 {
	return uint16(n*257 + uint64(x)*3 + uint64(y)*7)
}
