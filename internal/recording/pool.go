package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/session"
)

const (
	// DefaultWorkers is the writer pool size when none is configured
	DefaultWorkers = 8
	// DefaultPrefix is the file name prefix when none is configured
	DefaultPrefix = "img"
)

// ErrPoolStarted is returned by Start on a pool that already ran
var ErrPoolStarted = errors.New("recording: pool already started")

// Options configures a save request
type Options struct {
	Folder   string
	Prefix   string
	Format   Format
	Workers  int
	Manifest bool
	Observer notify.Observer
}

// Result summarizes a finished (or stopped) save
type Result struct {
	SessionID    string
	Folder       string
	Format       Format
	Total        int
	Saved        int
	Failed       int
	Skipped      int      // not attempted because the pool was stopped
	Files        []string // paths of the written frames, joined with Folder
	ManifestPath string
	FrameRate    session.FrameRateStats
	Duration     time.Duration
}

// Progress is a snapshot of a running save
type Progress struct {
	Total           int
	Saved           int
	Failed          int
	Workers         int
	WorkersFinished int
}

// Pool writes a filled session buffer with W workers on disjoint slices
type Pool struct {
	buf       *session.Buffer
	sessionID string
	opts      Options
	workers   []*Worker
	total     int
	frameRate session.FrameRateStats

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
	done    chan struct{}
	startAt time.Time
}

// NewPool validates opts, creates the output folder and partitions the
// buffer's filled frames across workers
func NewPool(buf *session.Buffer, opts Options) (*Pool, error) {
	if buf == nil {
		return nil, session.ErrNotAllocated
	}
	if opts.Folder == "" {
		return nil, fmt.Errorf("recording: output folder is required")
	}
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("recording: invalid worker count %d", opts.Workers)
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Observer == nil {
		opts.Observer = notify.Nop
	}
	if err := os.MkdirAll(opts.Folder, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create output folder: %w", err)
	}

	frames := buf.Frames()
	slices, err := Partition(len(frames), opts.Workers)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		buf:       buf,
		sessionID: buf.ID(),
		opts:      opts,
		total:     len(frames),
		frameRate: buf.FrameRate(),
		done:      make(chan struct{}),
	}
	for i, s := range slices {
		p.workers = append(p.workers, newWorker(i, s, frames, p))
	}
	return p, nil
}

// Start launches one goroutine per worker
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	p.started = true
	p.startAt = time.Now()

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.run(ctx)
		}(w)
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	slog.Info("recording: save started",
		"session_id", p.sessionID,
		"frames", p.total,
		"workers", len(p.workers),
		"folder", p.opts.Folder,
		"format", p.opts.Format.String(),
	)
	return nil
}

// Stop asks every worker to end after its current frame. Idempotent.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}

// Finished reports whether every worker has finished
func (p *Pool) Finished() bool {
	for _, w := range p.workers {
		if !w.Finished() {
			return false
		}
	}
	return true
}

// Done is closed once every worker goroutine has returned
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Progress returns a snapshot of written and failed counts
func (p *Pool) Progress() Progress {
	pr := Progress{Total: p.total, Workers: len(p.workers)}
	for _, w := range p.workers {
		pr.Saved += int(w.saved.Load())
		pr.Failed += int(w.failed.Load())
		if w.Finished() {
			pr.WorkersFinished++
		}
	}
	return pr
}

// Wait blocks until the pool finishes and returns the result. If ctx ends
// first the pool is stopped and Wait still returns once workers exit.
func (p *Pool) Wait(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("recording: pool not started")
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		p.Stop()
		<-p.done
	}

	res := p.result()
	p.buf.Release()

	if p.opts.Manifest {
		path, err := p.writeManifest(res)
		if err != nil {
			slog.Error("recording: manifest write failed", "error", err)
		} else {
			res.ManifestPath = path
		}
	}

	slog.Info("recording: save finished",
		"session_id", res.SessionID,
		"saved", res.Saved,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"duration", res.Duration,
	)
	return res, ctx.Err()
}

func (p *Pool) result() *Result {
	res := &Result{
		SessionID: p.sessionID,
		Folder:    p.opts.Folder,
		Format:    p.opts.Format,
		Total:     p.total,
		FrameRate: p.frameRate,
		Duration:  time.Since(p.startAt),
	}
	for _, w := range p.workers {
		for _, e := range w.entries {
			if e.Error == "" {
				res.Files = append(res.Files, filepath.Join(p.opts.Folder, e.File))
			}
		}
		res.Saved += int(w.saved.Load())
		res.Failed += int(w.failed.Load())
	}
	res.Skipped = res.Total - res.Saved - res.Failed
	sort.Strings(res.Files)
	return res
}

// Save writes buf with a fresh pool and waits for it
func Save(ctx context.Context, buf *session.Buffer, opts Options) (*Result, error) {
	p, err := NewPool(buf, opts)
	if err != nil {
		return nil, err
	}
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}
