package ring

import (
	"testing"

	"github.com/e7canasta/fluo-camera/internal/types"
)

var testGeometry = types.Geometry{Width: 4, Height: 2, PixelType: types.Mono16}

func TestNewRejectsShallowRing(t *testing.T) {
	if _, err := New(1, testGeometry); err == nil {
		t.Fatal("expected error for depth 1")
	}
	if _, err := New(4, types.Geometry{}); err == nil {
		t.Fatal("expected error for invalid geometry")
	}
}

func TestCursorWraps(t *testing.T) {
	c := NewCursor(3)
	var got []int
	for i := 0; i < 7; i++ {
		got = append(got, c.Pos())
		c = c.Next()
	}
	want := []int{0, 1, 2, 0, 1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("positions = %v, want %v", got, want)
		}
	}
}

// TestRingVisitsAllSlotsCyclically checks that for several depths the
// writer sees slot indices 0..K-1 in order, repeatedly, never skipping one
// and never writing the same slot twice in a row.
func TestRingVisitsAllSlotsCyclically(t *testing.T) {
	for _, k := range []int{2, 3, 4, 16} {
		r, err := New(k, testGeometry)
		if err != nil {
			t.Fatalf("New(%d) failed: %v", k, err)
		}

		writes := make([]int, k)
		prev := -1
		for n := 0; n < 5*k+1; n++ {
			slot := r.WriteSlot()
			slot.Seq = uint64(n)
			_, idx := r.Publish()

			if idx != n%k {
				t.Fatalf("k=%d publish %d went to slot %d, want %d", k, n, idx, n%k)
			}
			if idx == prev {
				t.Fatalf("k=%d slot %d written twice in a row", k, idx)
			}
			prev = idx
			writes[idx]++
		}

		for i, w := range writes {
			if w < 5 {
				t.Errorf("k=%d slot %d written %d times, want >= 5", k, i, w)
			}
		}
		if r.Published() != uint64(5*k+1) {
			t.Errorf("k=%d Published = %d", k, r.Published())
		}
	}
}

// TestWriteSlotNeverLatest checks the separation between the slot being
// written and the most recently published one.
func TestWriteSlotNeverLatest(t *testing.T) {
	r, _ := New(2, testGeometry)

	if latest, idx := r.Latest(); latest != nil || idx != -1 {
		t.Fatal("expected no latest before first publish")
	}

	for n := 0; n < 10; n++ {
		w := r.WriteSlot()
		w.Seq = uint64(n)
		r.Publish()

		latest, _ := r.Latest()
		if latest == r.WriteSlot() {
			t.Fatalf("publish %d: write slot coincides with latest", n)
		}
		if latest.Seq != uint64(n) {
			t.Errorf("latest.Seq = %d, want %d", latest.Seq, n)
		}
	}
}

func TestCursorAfterPublishes(t *testing.T) {
	r, _ := New(4, testGeometry)
	for i := 0; i < 5; i++ {
		r.Publish()
	}
	if r.Cursor() != 1 {
		t.Errorf("Cursor = %d, want 1", r.Cursor())
	}
	if _, idx := r.Latest(); idx != 0 {
		t.Errorf("latest index = %d, want 0", idx)
	}
}
