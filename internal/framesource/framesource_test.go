package framesource

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/fluo-camera/internal/types"
)

func newTestSource(t *testing.T, cfg SyntheticConfig) *Synthetic {
	t.Helper()
	src, err := NewSynthetic(cfg)
	if err != nil {
		t.Fatalf("NewSynthetic failed: %v", err)
	}
	if err := src.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return src
}

func TestErrorCategoryString(t *testing.T) {
	tests := []struct {
		cat  ErrorCategory
		want string
	}{
		{ErrCategoryConnection, "connection"},
		{ErrCategoryTransient, "transient"},
		{ErrCategoryGeometry, "geometry"},
		{ErrCategoryIO, "io"},
		{ErrorCategory(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.cat.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.cat, got, tt.want)
		}
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("usb reset")
	err := NewError("dcam", "capture", ErrCategoryConnection, "cannot start", cause)
	wrapped := errors.Join(errors.New("start"), err)

	if !errors.Is(wrapped, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	cat, ok := CategoryOf(wrapped)
	if !ok || cat != ErrCategoryConnection {
		t.Errorf("CategoryOf = %v, %v", cat, ok)
	}
	if !IsFatal(err) {
		t.Error("connection errors are fatal")
	}
	if IsFatal(NewError("dcam", "lockdata", ErrCategoryTransient, "bad stride", nil)) {
		t.Error("transient errors are not fatal")
	}
	if !IsFatal(errors.New("untyped")) {
		t.Error("untyped errors are treated as fatal")
	}
}

// TestSyntheticPattern checks that the locked bytes of frame n match
// FillPattern(n) and that padding is reported through the stride.
func TestSyntheticPattern(t *testing.T) {
	g := types.Geometry{Width: 8, Height: 4, PixelType: types.Mono16}
	src := newTestSource(t, SyntheticConfig{Geometry: g, RowPadding: 4})

	if err := src.AllocateBuffers(3); err != nil {
		t.Fatalf("AllocateBuffers failed: %v", err)
	}
	if err := src.StartStreaming(); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	for n := uint64(1); n <= 3; n++ {
		ready, err := src.WaitForNextFrame(10 * time.Millisecond)
		if err != nil || !ready {
			t.Fatalf("frame %d: ready=%v err=%v", n, ready, err)
		}
		data, stride, err := src.LockFrame()
		if err != nil {
			t.Fatalf("LockFrame failed: %v", err)
		}
		if stride != g.RowBytes()+4 {
			t.Errorf("stride = %d, want %d", stride, g.RowBytes()+4)
		}
		got := binary.LittleEndian.Uint16(data[stride*2+2*5:])
		if want := PatternValue(n, 5, 2); got != want {
			t.Errorf("frame %d pixel (5,2) = %d, want %d", n, got, want)
		}
		if err := src.UnlockFrame(); err != nil {
			t.Fatalf("UnlockFrame failed: %v", err)
		}
	}

	if src.Produced() != 3 {
		t.Errorf("Produced = %d, want 3", src.Produced())
	}
}

func TestSyntheticFrameLimitTimesOut(t *testing.T) {
	g := types.Geometry{Width: 2, Height: 2, PixelType: types.Mono8}
	src := newTestSource(t, SyntheticConfig{Geometry: g, FrameLimit: 1})
	_ = src.AllocateBuffers(3)
	_ = src.StartStreaming()

	if ready, _ := src.WaitForNextFrame(time.Millisecond); !ready {
		t.Fatal("expected first frame")
	}
	start := time.Now()
	ready, err := src.WaitForNextFrame(5 * time.Millisecond)
	if ready || err != nil {
		t.Errorf("expected timeout, got ready=%v err=%v", ready, err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("timeout returned early")
	}
}

func TestSnap(t *testing.T) {
	g := types.Geometry{Width: 16, Height: 8, PixelType: types.Mono16}
	src := newTestSource(t, SyntheticConfig{Geometry: g, RowPadding: 6})

	frame, err := Snap(context.Background(), src, time.Second)
	if err != nil {
		t.Fatalf("Snap failed: %v", err)
	}

	if frame.Geometry() != g {
		t.Errorf("geometry = %s, want %s", frame.Geometry(), g)
	}
	if frame.Stride != g.RowBytes() {
		t.Errorf("stride = %d, want packed %d", frame.Stride, g.RowBytes())
	}
	v := binary.LittleEndian.Uint16(frame.Pix[frame.Stride*7+2*15:])
	if want := PatternValue(1, 15, 7); v != want {
		t.Errorf("pixel (15,7) = %d, want %d", v, want)
	}

	// Device must be left idle
	if src.Streaming() {
		t.Error("source still streaming after Snap")
	}
	if src.BuffersAllocated() != 0 {
		t.Errorf("buffers still allocated: %d", src.BuffersAllocated())
	}
}

func TestSnapUnwindsOnStartFailure(t *testing.T) {
	g := types.Geometry{Width: 4, Height: 4, PixelType: types.Mono8}
	src := newTestSource(t, SyntheticConfig{Geometry: g})
	src.FailStart(errors.New("sensor busy"))

	_, err := Snap(context.Background(), src, time.Second)
	if err == nil {
		t.Fatal("expected error")
	}
	if cat, _ := CategoryOf(err); cat != ErrCategoryConnection {
		t.Errorf("category = %s, want connection", cat)
	}
	if src.BuffersAllocated() != 0 {
		t.Error("buffers leaked after failed start")
	}
}

func TestSnapTimeout(t *testing.T) {
	g := types.Geometry{Width: 4, Height: 4, PixelType: types.Mono8}
	src := newTestSource(t, SyntheticConfig{Geometry: g, FrameLimit: 1})

	// Exhaust the only frame the source will ever produce
	_ = src.AllocateBuffers(1)
	_ = src.StartStreaming()
	_, _ = src.WaitForNextFrame(time.Millisecond)
	_ = src.StopStreaming()
	_ = src.ReleaseBuffers()

	if _, err := Snap(context.Background(), src, 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	if src.Streaming() || src.BuffersAllocated() != 0 {
		t.Error("device not left idle after timeout")
	}
}

func TestSnapCancelled(t *testing.T) {
	g := types.Geometry{Width: 4, Height: 4, PixelType: types.Mono8}
	src := newTestSource(t, SyntheticConfig{Geometry: g})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Snap(ctx, src, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// flakySource fails Connect a fixed number of times
type flakySource struct {
	*Synthetic
	failures int
	calls    int
}

func (f *flakySource) Connect(ctx context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return NewError("flaky", "connect", ErrCategoryConnection, "device not found", nil)
	}
	return f.Synthetic.Connect(ctx)
}

func TestConnectWithRetry(t *testing.T) {
	g := types.Geometry{Width: 4, Height: 4, PixelType: types.Mono8}
	syn, _ := NewSynthetic(SyntheticConfig{Geometry: g})
	cfg := ReconnectConfig{MaxRetries: 3, RetryDelay: time.Millisecond, MaxRetryDelay: 4 * time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		src := &flakySource{Synthetic: syn, failures: 2}
		var attempts uint32
		if err := ConnectWithRetry(context.Background(), src, cfg, &attempts); err != nil {
			t.Fatalf("ConnectWithRetry failed: %v", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		src := &flakySource{Synthetic: syn, failures: 100}
		err := ConnectWithRetry(context.Background(), src, cfg, nil)
		if err == nil {
			t.Fatal("expected error")
		}
		if src.calls != cfg.MaxRetries+1 {
			t.Errorf("calls = %d, want %d", src.calls, cfg.MaxRetries+1)
		}
	})
}

func TestCalculateBackoff(t *testing.T) {
	cfg := DefaultReconnectConfig()
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := calculateBackoff(i+1, cfg); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
}
