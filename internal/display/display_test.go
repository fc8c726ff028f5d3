package display

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/e7canasta/fluo-camera/internal/types"
)

var g16 = types.Geometry{Width: 8, Height: 4, PixelType: types.Mono16}

func slotWith(seq uint64, value uint16) *types.Frame {
	f := types.NewFrame(g16)
	f.Seq = seq
	for i := 0; i < len(f.Pix); i += 2 {
		binary.LittleEndian.PutUint16(f.Pix[i:], value)
	}
	return f
}

// TestSupplierCopiesSlot checks that the published frame survives the ring
// slot being overwritten.
func TestSupplierCopiesSlot(t *testing.T) {
	s := NewSupplier()
	if s.Latest() != nil {
		t.Fatal("Latest must be nil before the first frame")
	}

	slot := slotWith(7, 1234)
	s.FrameReadyForDisplay(slot, g16.Width, g16.Height, g16.PixelType)

	// The loop reuses the slot later
	for i := range slot.Pix {
		slot.Pix[i] = 0
	}

	got := s.Latest()
	if got == nil || got.Seq != 7 {
		t.Fatalf("Latest = %+v", got)
	}
	if v := binary.LittleEndian.Uint16(got.Pix); v != 1234 {
		t.Errorf("copied pixel = %d, want 1234", v)
	}
	if got == slot {
		t.Error("Latest returned the ring slot itself")
	}
}

// TestMailboxOverwrite checks that a slow consumer sees only the newest
// frame and that overwrites are counted as drops.
func TestMailboxOverwrite(t *testing.T) {
	s := NewSupplier()
	read := s.Subscribe("viewer")

	for seq := uint64(1); seq <= 3; seq++ {
		s.FrameReadyForDisplay(slotWith(seq, uint16(seq)), g16.Width, g16.Height, g16.PixelType)
	}

	f := read()
	if f == nil || f.Seq != 3 {
		t.Fatalf("read = %+v, want seq 3", f)
	}

	st := s.Stats()
	cs := st.Consumers["viewer"]
	if st.Published != 3 || cs.TotalDrops != 2 || cs.ConsecutiveDrops != 0 || cs.LastConsumedSeq != 3 {
		t.Errorf("stats = %+v consumer = %+v", st, cs)
	}
}

func TestSubscribeBlocksUntilFrame(t *testing.T) {
	s := NewSupplier()
	read := s.Subscribe("viewer")

	got := make(chan *types.Frame, 1)
	go func() { got <- read() }()

	select {
	case <-got:
		t.Fatal("read returned before any frame")
	case <-time.After(20 * time.Millisecond):
	}

	s.FrameReadyForDisplay(slotWith(1, 5), g16.Width, g16.Height, g16.PixelType)
	select {
	case f := <-got:
		if f == nil || f.Seq != 1 {
			t.Errorf("read = %+v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not wake up")
	}
}

func TestUnsubscribeAndStop(t *testing.T) {
	s := NewSupplier()
	readA := s.Subscribe("a")
	readB := s.Subscribe("b")

	s.Unsubscribe("a")
	s.Unsubscribe("a")
	if readA() != nil {
		t.Error("unsubscribed read must return nil")
	}

	done := make(chan struct{})
	go func() {
		if readB() != nil {
			t.Error("read after Stop must return nil")
		}
		close(done)
	}()
	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not wake consumer")
	}
	if s.Subscribe("late")() != nil {
		t.Error("Subscribe after Stop must return a nil reader")
	}
}

func TestRenderStretch(t *testing.T) {
	f := types.NewFrame(types.Geometry{Width: 3, Height: 1, PixelType: types.Mono16})
	binary.LittleEndian.PutUint16(f.Pix[0:], 100)
	binary.LittleEndian.PutUint16(f.Pix[2:], 300)
	binary.LittleEndian.PutUint16(f.Pix[4:], 500)

	if lo, hi := Levels(f); lo != 100 || hi != 500 {
		t.Fatalf("Levels = %d..%d", lo, hi)
	}

	img, err := Render(f, PreviewOptions{})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	gray := img.(*image.Gray)
	want := []uint8{0, 127, 255}
	for x, w := range want {
		if v := gray.GrayAt(x, 0).Y; v != w {
			t.Errorf("pixel %d = %d, want %d", x, v, w)
		}
	}

	fixed, err := Render(f, PreviewOptions{Low: 300, High: 400})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if v := fixed.(*image.Gray).GrayAt(2, 0).Y; v != 255 {
		t.Errorf("clipped pixel = %d, want 255", v)
	}
}

func TestWritePNGScales(t *testing.T) {
	f := types.NewFrame(types.Geometry{Width: 64, Height: 32, PixelType: types.Mono8})
	for i := range f.Pix {
		f.Pix[i] = uint8(i)
	}

	var b bytes.Buffer
	if err := WritePNG(&b, f, PreviewOptions{MaxWidth: 16, MaxHeight: 16}); err != nil {
		t.Fatalf("WritePNG failed: %v", err)
	}
	img, err := png.Decode(&b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := img.Bounds().Size(); got != (image.Point{X: 16, Y: 8}) {
		t.Errorf("preview size = %v, want 16x8", got)
	}

	if err := WritePNG(&b, nil, PreviewOptions{}); err == nil {
		t.Error("expected error for nil frame")
	}
}
