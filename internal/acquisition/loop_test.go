package acquisition

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/fluo-camera/internal/framesource"
	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/session"
	"github.com/e7canasta/fluo-camera/internal/types"
)

var testGeom = types.Geometry{Width: 16, Height: 8, PixelType: types.Mono16}

// displayEvent is what a test observer records for one display notification
type displayEvent struct {
	seq    uint64
	first  uint16
	width  int
	height int
	pt     types.PixelType
}

type recorder struct {
	mu       sync.Mutex
	display  []displayEvent
	finished []string
}

func (r *recorder) observer() notify.Observer {
	return notify.Funcs{
		OnFrameReady: func(slot *types.Frame, w, h int, pt types.PixelType) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.display = append(r.display, displayEvent{
				seq:    slot.Seq,
				first:  binary.LittleEndian.Uint16(slot.Pix),
				width:  w,
				height: h,
				pt:     pt,
			})
		},
		OnRecordingDone: func(id string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished = append(r.finished, id)
		},
	}
}

func (r *recorder) displays() []displayEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]displayEvent(nil), r.display...)
}

func (r *recorder) finishedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.finished...)
}

func newSource(t *testing.T, limit uint64) *framesource.Synthetic {
	t.Helper()
	src, err := framesource.NewSynthetic(framesource.SyntheticConfig{
		Geometry:   testGeom,
		FrameLimit: limit,
		RowPadding: 4,
	})
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return src
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestDecimatedDisplay drives nine frames through a depth-4 ring with
// interval 2: notifications fire for frames 0, 2, 4, 6, 8 and the write
// cursor ends at 5 mod 4 = 1.
func TestDecimatedDisplay(t *testing.T) {
	src := newSource(t, 9)
	rec := &recorder{}

	l, err := NewLoop(Config{
		Source:          src,
		RingDepth:       4,
		DisplayInterval: 2,
		WaitTimeout:     10 * time.Millisecond,
		Observer:        rec.observer(),
	})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	waitFor(t, "nine frames", func() bool { return l.Stats().FramesAcquired == 9 })

	events := rec.displays()
	want := []uint64{0, 2, 4, 6, 8}
	if len(events) != len(want) {
		t.Fatalf("got %d display notifications, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.seq != want[i] {
			t.Errorf("notification %d: frame %d, want %d", i, ev.seq, want[i])
		}
		// Loop frame c carries synthetic frame c+1
		if exp := framesource.PatternValue(want[i]+1, 0, 0); ev.first != exp {
			t.Errorf("notification %d: first pixel %d, want %d", i, ev.first, exp)
		}
		if ev.width != testGeom.Width || ev.height != testGeom.Height || ev.pt != types.Mono16 {
			t.Errorf("notification %d: layout %dx%d/%s", i, ev.width, ev.height, ev.pt)
		}
	}
	if c := l.Ring().Cursor(); c != 1 {
		t.Errorf("ring cursor = %d, want 1", c)
	}
	if s := l.Stats(); s.DisplayPublished != 5 {
		t.Errorf("DisplayPublished = %d, want 5", s.DisplayPublished)
	}
}

func TestDecimationCount(t *testing.T) {
	tests := []struct {
		name     string
		frames   uint64
		interval int
		want     int
	}{
		{"every frame", 6, 1, 6},
		{"every third", 7, 3, 3},
		{"interval larger than run", 4, 10, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newSource(t, tt.frames)
			rec := &recorder{}
			l, err := NewLoop(Config{
				Source:          src,
				RingDepth:       2,
				DisplayInterval: tt.interval,
				WaitTimeout:     10 * time.Millisecond,
				Observer:        rec.observer(),
			})
			if err != nil {
				t.Fatalf("NewLoop failed: %v", err)
			}
			if err := l.Start(context.Background()); err != nil {
				t.Fatalf("Start failed: %v", err)
			}
			defer l.Stop()

			waitFor(t, "all frames", func() bool { return l.Stats().FramesAcquired == tt.frames })
			if got := len(rec.displays()); got != tt.want {
				t.Errorf("notifications = %d, want %d", got, tt.want)
			}
		})
	}
}

// TestSessionFilledThroughLoop checks that an active session receives every
// frame in order regardless of the display interval, and that the finished
// notification carries the session ID exactly once.
func TestSessionFilledThroughLoop(t *testing.T) {
	src := newSource(t, 12)
	rec := &recorder{}
	sess := session.New()

	buf, err := session.Allocate(5, testGeom)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := sess.Start(buf); err != nil {
		t.Fatalf("session Start failed: %v", err)
	}

	l, err := NewLoop(Config{
		Source:          src,
		RingDepth:       3,
		DisplayInterval: 4,
		WaitTimeout:     10 * time.Millisecond,
		Session:         sess,
		Observer:        rec.observer(),
	})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	waitFor(t, "twelve frames", func() bool { return l.Stats().FramesAcquired == 12 })

	ids := rec.finishedIDs()
	if len(ids) != 1 || ids[0] != buf.ID() {
		t.Fatalf("finished notifications = %v, want [%s]", ids, buf.ID())
	}
	if buf.Filled() != 5 {
		t.Fatalf("Filled = %d, want 5", buf.Filled())
	}
	for i, f := range buf.Frames() {
		want := framesource.PatternValue(uint64(i+1), 1, 2)
		got := binary.LittleEndian.Uint16(f.Pix[2*testGeom.RowBytes()+2:])
		if got != want {
			t.Errorf("session frame %d pixel(1,2) = %d, want %d", i, got, want)
		}
	}
	if s := l.Stats(); s.SessionFrames != 5 {
		t.Errorf("SessionFrames = %d, want 5", s.SessionFrames)
	}
}

// TestBadStrideSkipped checks that frames reporting a negative stride are
// unlocked and skipped without advancing the frame counter.
func TestBadStrideSkipped(t *testing.T) {
	src := newSource(t, 5)
	src.BadStrideAt(2, 4)
	rec := &recorder{}

	l, err := NewLoop(Config{
		Source:      src,
		RingDepth:   4,
		WaitTimeout: 10 * time.Millisecond,
		Observer:    rec.observer(),
	})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	waitFor(t, "five frames produced", func() bool { return src.Produced() == 5 })
	waitFor(t, "skips counted", func() bool { return l.Stats().FramesSkipped == 2 })

	s := l.Stats()
	if s.FramesAcquired != 3 {
		t.Errorf("FramesAcquired = %d, want 3", s.FramesAcquired)
	}
	if s.UnlockErrors != 0 || s.LockErrors != 0 {
		t.Errorf("lock/unlock errors: %d/%d", s.LockErrors, s.UnlockErrors)
	}
	if got := len(rec.displays()); got != 3 {
		t.Errorf("display notifications = %d, want 3", got)
	}
}

// TestStartFailureUnwinds checks that a failed start leaves no buffers
// allocated and no goroutine running.
func TestStartFailureUnwinds(t *testing.T) {
	t.Run("allocation", func(t *testing.T) {
		src := newSource(t, 0)
		src.FailAllocate(errors.New("out of memory"))
		l, err := NewLoop(Config{Source: src})
		if err != nil {
			t.Fatalf("NewLoop failed: %v", err)
		}
		err = l.Start(context.Background())
		if cat, ok := framesource.CategoryOf(err); !ok || cat != framesource.ErrCategoryConnection {
			t.Fatalf("Start err = %v, want connection category", err)
		}
		if l.Running() || src.BuffersAllocated() != 0 {
			t.Errorf("running=%v buffers=%d after failed start", l.Running(), src.BuffersAllocated())
		}
	})

	t.Run("streaming", func(t *testing.T) {
		src := newSource(t, 0)
		src.FailStart(errors.New("device busy"))
		l, err := NewLoop(Config{Source: src})
		if err != nil {
			t.Fatalf("NewLoop failed: %v", err)
		}
		if err := l.Start(context.Background()); err == nil {
			t.Fatal("Start should fail")
		}
		if l.Running() || src.BuffersAllocated() != 0 || src.Streaming() {
			t.Errorf("running=%v buffers=%d streaming=%v", l.Running(), src.BuffersAllocated(), src.Streaming())
		}
	})
}

func TestStartTwice(t *testing.T) {
	src := newSource(t, 0)
	l, err := NewLoop(Config{Source: src, WaitTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop()

	if err := l.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

// TestStopIdempotent checks that Stop leaves the device idle and can be
// repeated, and that the loop can be restarted.
func TestStopIdempotent(t *testing.T) {
	src := newSource(t, 0)
	l, err := NewLoop(Config{Source: src, WaitTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}

	if err := l.Stop(); err != nil {
		t.Errorf("Stop before Start = %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "some frames", func() bool { return l.Stats().FramesAcquired > 0 })

	for i := 0; i < 3; i++ {
		if err := l.Stop(); err != nil {
			t.Errorf("Stop #%d = %v", i, err)
		}
	}
	if src.Streaming() || src.BuffersAllocated() != 0 {
		t.Errorf("device not idle: streaming=%v buffers=%d", src.Streaming(), src.BuffersAllocated())
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Errorf("Stop after restart = %v", err)
	}
}

// TestParentContextCancel checks that cancelling the Start context ends the
// loop without Stop.
func TestParentContextCancel(t *testing.T) {
	src := newSource(t, 0)
	l, err := NewLoop(Config{Source: src, WaitTimeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	done := l.Done()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancel")
	}
	if src.Streaming() {
		t.Error("source still streaming after loop exit")
	}
	_ = l.Stop()
}

func TestSetDisplayInterval(t *testing.T) {
	src := newSource(t, 0)
	l, err := NewLoop(Config{Source: src})
	if err != nil {
		t.Fatalf("NewLoop failed: %v", err)
	}

	for _, bad := range []int{0, -1} {
		if err := l.SetDisplayInterval(bad); err == nil {
			t.Errorf("SetDisplayInterval(%d) should fail", bad)
		}
	}
	if err := l.SetDisplayInterval(5); err != nil {
		t.Fatalf("SetDisplayInterval(5) failed: %v", err)
	}
	if l.DisplayInterval() != 5 {
		t.Errorf("DisplayInterval = %d, want 5", l.DisplayInterval())
	}

	if _, err := NewLoop(Config{Source: src, DisplayInterval: -2}); err == nil {
		t.Error("NewLoop should reject negative interval")
	}
	if _, err := NewLoop(Config{}); err == nil {
		t.Error("NewLoop should reject missing source")
	}
}
