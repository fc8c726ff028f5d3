package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/fluo-camera/internal/framesource"
)

// Session tracks the capture session the acquisition loop is filling
//
// The control goroutine calls Start, Cancel and Detach. The acquisition
// loop calls Fill. Fill and Cancel are serialized by a mutex, so once
// Cancel returns no further frame lands in the buffer.
type Session struct {
	active atomic.Bool

	mu        sync.Mutex
	buf       *Buffer
	index     int
	lastStamp time.Time
	finished  uint64
	lastDone  string
}

// New returns an idle session
func New() *Session {
	return &Session{}
}

// Start attaches buf and activates the session with the write index at 0
func (s *Session) Start(buf *Buffer) error {
	if buf == nil {
		return ErrNotAllocated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() {
		return ErrActive
	}

	s.buf = buf
	s.index = 0
	s.lastStamp = time.Time{}
	buf.filled = 0
	s.active.Store(true)

	slog.Info("session: capture started",
		"session_id", buf.id,
		"target", len(buf.slots),
	)
	return nil
}

// Active reports whether frames are being routed into the buffer
func (s *Session) Active() bool {
	return s.active.Load()
}

// Fill copies one locked device frame into the next slot
//
// Returns finished=true exactly once, for the frame that reaches the target
// count. A frame that does not fit the allocation is rejected with a
// geometry error and not counted. Timestamps are strictly increasing: a
// stamp not after the previous one is bumped by one microsecond.
func (s *Session) Fill(data []byte, stride int, now time.Time) (finished bool, err error) {
	if !s.active.Load() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Cancel may have won the race for the lock
	if !s.active.Load() || s.buf == nil {
		return false, nil
	}

	slot := s.buf.slots[s.index]
	if err := slot.CopyFrom(data, stride); err != nil {
		return false, framesource.NewError("session", "copy", framesource.ErrCategoryGeometry,
			fmt.Sprintf("frame does not fit %s", s.buf.geometry), err)
	}

	stamp := now
	if !stamp.After(s.lastStamp) {
		stamp = s.lastStamp.Add(time.Microsecond)
	}
	s.lastStamp = stamp

	slot.Timestamp = stamp
	slot.Seq = uint64(s.index)
	s.index++
	s.buf.filled = s.index

	if s.index == len(s.buf.slots) {
		s.active.Store(false)
		s.finished++
		s.lastDone = s.buf.id
		slog.Info("session: capture finished",
			"session_id", s.buf.id,
			"frames", s.index,
		)
		return true, nil
	}
	return false, nil
}

// Cancel deactivates the session and detaches the buffer with its filled
// prefix intact. Returns nil if no buffer was attached.
func (s *Session) Cancel() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasActive := s.active.Swap(false)
	buf := s.buf
	s.buf = nil

	if buf != nil {
		slog.Info("session: capture cancelled",
			"session_id", buf.id,
			"filled", buf.filled,
			"target", len(buf.slots),
			"was_active", wasActive,
		)
	}
	return buf
}

// Detach hands over a completed buffer. Returns nil while the session is
// still filling or when nothing is attached.
func (s *Session) Detach() *Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active.Load() {
		return nil
	}
	buf := s.buf
	s.buf = nil
	return buf
}

// Progress returns (filled, target, active)
func (s *Session) Progress() (int, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		return 0, 0, false
	}
	return s.index, len(s.buf.slots), s.active.Load()
}

// ID returns the attached buffer's session ID, or "" when none is attached
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf == nil {
		return ""
	}
	return s.buf.id
}

// LastFinished returns the ID of the most recent session that reached its
// target. Called by the filling goroutine right after Fill reports finished.
func (s *Session) LastFinished() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDone
}

// Completed returns the number of sessions that reached their target
func (s *Session) Completed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
