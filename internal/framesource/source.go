package framesource

import (
	"context"
	"time"

	"github.com/e7canasta/fluo-camera/internal/types"
)

// Source defines the contract the acquisition pipeline needs from a camera
//
// Implementations must guarantee:
//   - LockFrame is always paired with UnlockFrame by the caller
//   - WaitForNextFrame never blocks longer than the given timeout
//   - Disconnect is idempotent
//   - failures are returned as *Error with a category
//
// A Source is driven by one goroutine at a time (the acquisition loop or a
// single-shot capture). Only IsConnected may be called concurrently.
type Source interface {
	// Connect opens the device. Returns a connection-category error on failure.
	Connect(ctx context.Context) error

	// IsConnected reports whether the device is open
	IsConnected() bool

	// Disconnect closes the device. Safe to call when not connected.
	Disconnect() error

	// Geometry returns the current frame layout
	Geometry() (types.Geometry, error)

	// AllocateBuffers asks the device to pre-allocate n frame buffers
	AllocateBuffers(n int) error

	// ReleaseBuffers frees device buffers. Safe to call when none are allocated.
	ReleaseBuffers() error

	// StartStreaming enters continuous acquisition
	StartStreaming() error

	// StopStreaming leaves continuous acquisition
	StopStreaming() error

	// WaitForNextFrame blocks until a new frame is ready or timeout elapses.
	// Returns false on timeout.
	WaitForNextFrame(timeout time.Duration) (bool, error)

	// LockFrame pins the newest frame and returns its bytes and row stride.
	// A negative stride reports a device error condition for this frame.
	// The returned slice is valid only until UnlockFrame.
	LockFrame() (data []byte, rowStride int, err error)

	// UnlockFrame releases the frame pinned by LockFrame
	UnlockFrame() error
}
