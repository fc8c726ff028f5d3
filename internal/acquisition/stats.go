package acquisition

import (
	"sync/atomic"
	"time"
)

// Stats is a point-in-time snapshot of loop counters
type Stats struct {
	Running          bool
	FramesAcquired   uint64
	FramesSkipped    uint64
	LockErrors       uint64
	UnlockErrors     uint64
	WaitTimeouts     uint64
	WaitErrors       uint64
	SessionErrors    uint64
	SessionFrames    uint64
	DisplayPublished uint64
	DisplayInterval  int
	RingCursor       int
	Uptime           time.Duration
}

// Stats returns current counters. Safe to call from any goroutine.
func (l *Loop) Stats() Stats {
	s := Stats{
		FramesAcquired:   atomic.LoadUint64(&l.counter),
		FramesSkipped:    atomic.LoadUint64(&l.framesSkipped),
		LockErrors:       atomic.LoadUint64(&l.lockErrors),
		UnlockErrors:     atomic.LoadUint64(&l.unlockErrors),
		WaitTimeouts:     atomic.LoadUint64(&l.waitTimeouts),
		WaitErrors:       atomic.LoadUint64(&l.waitErrors),
		SessionErrors:    atomic.LoadUint64(&l.sessionErrors),
		SessionFrames:    atomic.LoadUint64(&l.sessionFrames),
		DisplayPublished: atomic.LoadUint64(&l.displayPublished),
		DisplayInterval:  l.DisplayInterval(),
		RingCursor:       l.ring.Cursor(),
	}
	if l.mu.TryLock() {
		s.Running = l.cancel != nil
		if s.Running {
			s.Uptime = time.Since(l.started)
		}
		l.mu.Unlock()
	}
	return s
}
