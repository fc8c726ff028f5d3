package types

import "testing"

func TestGeometrySizes(t *testing.T) {
	g := Geometry{Width: 1024, Height: 512, PixelType: Mono16}
	if g.RowBytes() != 2048 {
		t.Errorf("RowBytes = %d, want 2048", g.RowBytes())
	}
	if g.FrameBytes() != 2048*512 {
		t.Errorf("FrameBytes = %d, want %d", g.FrameBytes(), 2048*512)
	}
	if !g.Valid() {
		t.Error("expected geometry to be valid")
	}
	if (Geometry{Width: 0, Height: 10}).Valid() {
		t.Error("zero width must be invalid")
	}
}

// TestCopyFromPaddedStride checks that device row padding is dropped and
// the slot ends up packed.
func TestCopyFromPaddedStride(t *testing.T) {
	g := Geometry{Width: 3, Height: 2, PixelType: Mono8}
	f := NewFrame(g)

	src := []byte{
		1, 2, 3, 0xEE, 0xEE,
		4, 5, 6, 0xEE, 0xEE,
	}
	if err := f.CopyFrom(src, 5); err != nil {
		t.Fatalf("CopyFrom failed: %v", err)
	}

	want := []byte{1, 2, 3, 4, 5, 6}
	for i := range want {
		if f.Pix[i] != want[i] {
			t.Fatalf("Pix = %v, want %v", f.Pix, want)
		}
	}
}

func TestCopyFromRejectsShortData(t *testing.T) {
	f := NewFrame(Geometry{Width: 4, Height: 4, PixelType: Mono16})

	if err := f.CopyFrom(make([]byte, 10), 8); err == nil {
		t.Error("expected error for short buffer")
	}
	if err := f.CopyFrom(make([]byte, 64), 4); err == nil {
		t.Error("expected error for stride shorter than row")
	}
}

func TestParsePixelType(t *testing.T) {
	tests := []struct {
		in      string
		want    PixelType
		wantErr bool
	}{
		{"mono8", Mono8, false},
		{"mono16", Mono16, false},
		{"", Mono16, false},
		{"rgb", Mono8, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePixelType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
