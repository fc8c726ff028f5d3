package recording

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/types"
)

// Worker writes one contiguous slice of a session to disk
type Worker struct {
	id     int
	slice  Slice
	frames []*types.Frame
	pool   *Pool

	stop     atomic.Bool
	finished atomic.Bool
	saved    atomic.Int64
	failed   atomic.Int64

	// entries is written by the worker goroutine only and read after finished
	entries []ManifestEntry
}

func newWorker(id int, slice Slice, frames []*types.Frame, pool *Pool) *Worker {
	return &Worker{
		id:      id,
		slice:   slice,
		frames:  frames[slice.Offset : slice.Offset+slice.Count],
		pool:    pool,
		entries: make([]ManifestEntry, 0, slice.Count),
	}
}

// Stop requests the worker to end after the frame in progress
func (w *Worker) Stop() {
	w.stop.Store(true)
}

// Finished reports whether the worker has left its loop
func (w *Worker) Finished() bool {
	return w.finished.Load()
}

// run writes the slice in order (timestamp order within the slice).
// A failed frame is logged, reported and skipped.
func (w *Worker) run(ctx context.Context) {
	defer w.finished.Store(true)

	opts := w.pool.opts
	for i, f := range w.frames {
		if w.stop.Load() || ctx.Err() != nil {
			slog.Info("recording: worker stopped",
				"worker", w.id,
				"written", i,
				"slice", w.slice.Count,
			)
			return
		}

		index := w.slice.Offset + i
		path := filepath.Join(opts.Folder, FileName(opts.Prefix, f.Timestamp, opts.Format))
		start := time.Now()
		err := WriteFile(path, f, opts.Format)

		entry := ManifestEntry{
			Index:     index,
			File:      filepath.Base(path),
			Timestamp: f.Timestamp.UnixMicro(),
			Worker:    w.id,
		}
		if err != nil {
			w.failed.Add(1)
			entry.Error = err.Error()
			slog.Error("recording: frame write failed, continuing",
				"worker", w.id,
				"index", index,
				"path", path,
				"error", err,
			)
		} else {
			w.saved.Add(1)
			slog.Debug("recording: frame written",
				"worker", w.id,
				"index", index,
				"path", path,
				"duration", time.Since(start),
			)
		}
		w.entries = append(w.entries, entry)

		f.Release()

		opts.Observer.FrameSaved(notify.SavedFrame{
			SessionID: w.pool.sessionID,
			Index:     index,
			Path:      path,
			Timestamp: f.Timestamp,
			Worker:    w.id,
			Err:       err,
		})
	}
}
