package framesource

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/fluo-camera/internal/types"
)

const (
	// SnapBuffers is the device buffer count used for a single-shot capture
	SnapBuffers = 3
	// DefaultSnapTimeout bounds the wait for the single frame
	DefaultSnapTimeout = 10 * time.Second
)

// Snap captures exactly one frame and leaves the device idle
//
// Sequence: allocate buffers, start streaming, wait (bounded by timeout and
// ctx), lock, copy, unlock, stop streaming, release buffers. Buffers and
// streaming mode are always unwound, even on failure.
//
// The caller must guarantee no acquisition loop is running on src.
func Snap(ctx context.Context, src Source, timeout time.Duration) (*types.Frame, error) {
	if timeout <= 0 {
		timeout = DefaultSnapTimeout
	}

	geom, err := src.Geometry()
	if err != nil {
		return nil, err
	}

	if err := src.AllocateBuffers(SnapBuffers); err != nil {
		return nil, err
	}
	defer func() {
		if err := src.ReleaseBuffers(); err != nil {
			slog.Warn("framesource: snap failed to release buffers", "error", err)
		}
	}()

	if err := src.StartStreaming(); err != nil {
		return nil, err
	}
	defer func() {
		if err := src.StopStreaming(); err != nil {
			slog.Warn("framesource: snap failed to stop streaming", "error", err)
		}
	}()

	// Poll in short slices so ctx cancellation is honoured
	deadline := time.Now().Add(timeout)
	const slice = 100 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return nil, NewError("snap", "wait", ErrCategoryConnection, "cancelled", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, NewError("snap", "wait", ErrCategoryConnection,
				fmt.Sprintf("no frame within %v", timeout), nil)
		}
		if remaining > slice {
			remaining = slice
		}
		ready, err := src.WaitForNextFrame(remaining)
		if err != nil {
			slog.Debug("framesource: snap wait error, retrying", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if ready {
			break
		}
	}

	data, stride, err := src.LockFrame()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := src.UnlockFrame(); err != nil {
			slog.Warn("framesource: snap failed to unlock frame", "error", err)
		}
	}()

	if stride < 0 {
		return nil, NewError("snap", "lockdata", ErrCategoryTransient,
			fmt.Sprintf("device reported row stride %d", stride), nil)
	}

	frame := types.NewFrame(geom)
	if err := frame.CopyFrom(data, stride); err != nil {
		return nil, NewError("snap", "copy", ErrCategoryGeometry, "frame does not match geometry", err)
	}
	frame.Seq = 1
	frame.Timestamp = time.Now()

	slog.Info("framesource: single frame captured", "geometry", geom.String())
	return frame, nil
}
