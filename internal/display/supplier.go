// Package display hands decimated live frames to display consumers.
//
// The ring slot passed to FrameReadyForDisplay is only valid until the loop
// has published K-1 more frames, so Supplier copies it on the loop goroutine
// and hands out the copy. Copies are immutable once published and may be
// shared by every consumer.
//
// Each consumer owns a single-frame mailbox: a newer frame replaces an
// unconsumed one and the overwrite is counted as a drop.
package display

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/types"
)

// idleThreshold marks a consumer idle when it has not read for this long
const idleThreshold = 30 * time.Second

// ConsumerStats describes one subscribed consumer
type ConsumerStats struct {
	ID               string    `json:"id"`
	LastConsumedAt   time.Time `json:"last_consumed_at"`
	LastConsumedSeq  uint64    `json:"last_consumed_seq"`
	ConsecutiveDrops uint64    `json:"consecutive_drops"`
	TotalDrops       uint64    `json:"total_drops"`
	IsIdle           bool      `json:"idle"`
}

// Stats is a snapshot of supplier activity
type Stats struct {
	Published uint64
	LatestSeq uint64
	Consumers map[string]ConsumerStats
}

type mailbox struct {
	mu    sync.Mutex
	cond  *sync.Cond
	frame *types.Frame

	lastConsumedAt   time.Time
	lastConsumedSeq  uint64
	consecutiveDrops uint64
	totalDrops       uint64

	closed bool
}

// Supplier is a notify.Observer that keeps the latest display frame and
// fans it out to subscribed consumers
type Supplier struct {
	mu     sync.RWMutex
	latest *types.Frame

	slots     sync.Map // consumer ID -> *mailbox
	published atomic.Uint64
	stopping  atomic.Bool
}

var _ notify.Observer = (*Supplier)(nil)

// NewSupplier returns an empty supplier
func NewSupplier() *Supplier {
	return &Supplier{}
}

// FrameReadyForDisplay copies slot and publishes the copy. Runs on the
// acquisition goroutine.
func (s *Supplier) FrameReadyForDisplay(slot *types.Frame, width, height int, pixelType types.PixelType) {
	if s.stopping.Load() {
		return
	}

	f := types.NewFrame(types.Geometry{Width: width, Height: height, PixelType: pixelType})
	if err := f.CopyFrom(slot.Pix, slot.Stride); err != nil {
		return
	}
	f.Seq = slot.Seq
	f.Timestamp = time.Now()

	s.mu.Lock()
	s.latest = f
	s.mu.Unlock()
	s.published.Add(1)

	s.slots.Range(func(_, v any) bool {
		deliver(v.(*mailbox), f)
		return true
	})
}

func deliver(mb *mailbox, f *types.Frame) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return
	}
	if mb.frame != nil {
		mb.consecutiveDrops++
		mb.totalDrops++
	}
	mb.frame = f
	mb.cond.Signal()
}

func (s *Supplier) RecordingSessionFinished(string) {}

func (s *Supplier) FrameSaved(notify.SavedFrame) {}

// Latest returns the most recent display frame, or nil before the first one
func (s *Supplier) Latest() *types.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

// Subscribe registers a consumer and returns its blocking read function.
// The read function returns nil once the consumer is unsubscribed or the
// supplier stopped. It must be called from a single goroutine.
func (s *Supplier) Subscribe(id string) func() *types.Frame {
	if s.stopping.Load() {
		return func() *types.Frame { return nil }
	}

	mb := &mailbox{lastConsumedAt: time.Now()}
	mb.cond = sync.NewCond(&mb.mu)
	s.slots.Store(id, mb)

	return func() *types.Frame {
		mb.mu.Lock()
		defer mb.mu.Unlock()

		for mb.frame == nil && !mb.closed {
			mb.cond.Wait()
		}
		if mb.closed {
			return nil
		}

		f := mb.frame
		mb.frame = nil
		mb.lastConsumedAt = time.Now()
		mb.lastConsumedSeq = f.Seq
		mb.consecutiveDrops = 0
		return f
	}
}

// Unsubscribe closes a consumer's mailbox. Idempotent.
func (s *Supplier) Unsubscribe(id string) {
	v, ok := s.slots.LoadAndDelete(id)
	if !ok {
		return
	}
	closeMailbox(v.(*mailbox))
}

func closeMailbox(mb *mailbox) {
	mb.mu.Lock()
	mb.closed = true
	mb.cond.Signal()
	mb.mu.Unlock()
}

// Stop wakes every consumer with nil and rejects further frames
func (s *Supplier) Stop() {
	if s.stopping.Swap(true) {
		return
	}
	s.slots.Range(func(k, v any) bool {
		closeMailbox(v.(*mailbox))
		s.slots.Delete(k)
		return true
	})
}

// Stats returns a snapshot of published frames and consumer drops
func (s *Supplier) Stats() Stats {
	st := Stats{
		Published: s.published.Load(),
		Consumers: make(map[string]ConsumerStats),
	}
	if f := s.Latest(); f != nil {
		st.LatestSeq = f.Seq
	}

	s.slots.Range(func(k, v any) bool {
		mb := v.(*mailbox)
		mb.mu.Lock()
		cs := ConsumerStats{
			ID:               k.(string),
			LastConsumedAt:   mb.lastConsumedAt,
			LastConsumedSeq:  mb.lastConsumedSeq,
			ConsecutiveDrops: mb.consecutiveDrops,
			TotalDrops:       mb.totalDrops,
			IsIdle:           time.Since(mb.lastConsumedAt) > idleThreshold,
		}
		mb.mu.Unlock()
		st.Consumers[cs.ID] = cs
		return true
	})
	return st
}
