// Package notify carries the outward notifications of the camera core.
//
// Observers are called synchronously on the goroutine that produced the
// event (acquisition loop or writer worker). They must return quickly and
// must not call back into the loop.
package notify

import (
	"time"

	"github.com/e7canasta/fluo-camera/internal/types"
)

// SavedFrame describes one frame written (or failed) by a writer worker
type SavedFrame struct {
	SessionID string
	Index     int
	Path      string
	Timestamp time.Time
	Worker    int
	Err       error
}

// Observer receives core notifications
type Observer interface {
	// FrameReadyForDisplay is emitted when a ring slot was published.
	// slot is valid for the next K-1 publishes.
	FrameReadyForDisplay(slot *types.Frame, width, height int, pixelType types.PixelType)
	// RecordingSessionFinished is emitted once when a session reaches its target
	RecordingSessionFinished(sessionID string)
	// FrameSaved is emitted after each write attempt
	FrameSaved(ev SavedFrame)
}

// Funcs adapts optional functions to Observer; nil fields are skipped
type Funcs struct {
	OnFrameReady    func(slot *types.Frame, width, height int, pixelType types.PixelType)
	OnRecordingDone func(sessionID string)
	OnFrameSaved    func(ev SavedFrame)
}

func (f Funcs) FrameReadyForDisplay(slot *types.Frame, width, height int, pixelType types.PixelType) {
	if f.OnFrameReady != nil {
		f.OnFrameReady(slot, width, height, pixelType)
	}
}

func (f Funcs) RecordingSessionFinished(sessionID string) {
	if f.OnRecordingDone != nil {
		f.OnRecordingDone(sessionID)
	}
}

func (f Funcs) FrameSaved(ev SavedFrame) {
	if f.OnFrameSaved != nil {
		f.OnFrameSaved(ev)
	}
}

// Multi fans a notification out to several observers in order
type Multi []Observer

func (m Multi) FrameReadyForDisplay(slot *types.Frame, width, height int, pixelType types.PixelType) {
	for _, o := range m {
		o.FrameReadyForDisplay(slot, width, height, pixelType)
	}
}

func (m Multi) RecordingSessionFinished(sessionID string) {
	for _, o := range m {
		o.RecordingSessionFinished(sessionID)
	}
}

func (m Multi) FrameSaved(ev SavedFrame) {
	for _, o := range m {
		o.FrameSaved(ev)
	}
}

// Nop discards every notification
var Nop Observer = Funcs{}
