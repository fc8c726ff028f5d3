package recording

import "fmt"

// Slice is a contiguous range of session slots owned by one worker
type Slice struct {
	Offset int
	Count  int
}

// Partition splits count slots into workers contiguous slices
//
// The slices cover [0, count) in order without overlap. The first
// count%workers slices hold one extra slot; when workers > count the
// trailing slices are empty.
func Partition(count, workers int) ([]Slice, error) {
	if workers < 1 {
		return nil, fmt.Errorf("recording: invalid worker count %d", workers)
	}
	if count < 0 {
		return nil, fmt.Errorf("recording: invalid frame count %d", count)
	}

	base := count / workers
	extra := count % workers

	slices := make([]Slice, workers)
	offset := 0
	for i := range slices {
		n := base
		if i < extra {
			n++
		}
		slices[i] = Slice{Offset: offset, Count: n}
		offset += n
	}
	return slices, nil
}
