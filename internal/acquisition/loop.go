package acquisition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/fluo-camera/internal/framesource"
	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/ring"
	"github.com/e7canasta/fluo-camera/internal/session"
	"github.com/e7canasta/fluo-camera/internal/types"
)

const (
	// DefaultDeviceBuffers is the number of device-side buffers requested on start
	DefaultDeviceBuffers = 3
	// DefaultWaitTimeout bounds each wait for a frame (and so cancellation latency)
	DefaultWaitTimeout = 100 * time.Millisecond
	// DefaultRingDepth is the display ring size
	DefaultRingDepth = 16

	stopTimeout = 3 * time.Second
)

// ErrAlreadyRunning is returned by Start on a running loop
var ErrAlreadyRunning = errors.New("acquisition: loop already running")

// Config contains configuration for an acquisition loop
type Config struct {
	Source          framesource.Source
	RingDepth       int
	DeviceBuffers   int
	WaitTimeout     time.Duration
	DisplayInterval int
	// Session receives full-rate frames while active (created if nil)
	Session  *session.Session
	Observer notify.Observer
	// Clock stamps session frames (time.Now if nil)
	Clock func() time.Time
}

// Loop is the producer goroutine pulling frames from a Source
//
// For every frame it routes a full-rate copy into the capture session (when
// active) and a decimated copy into the display ring. Exactly one goroutine
// writes the ring and the session buffer: the one started by Start.
type Loop struct {
	src      framesource.Source
	ring     *ring.Ring
	session  *session.Session
	observer notify.Observer
	clock    func() time.Time
	geometry types.Geometry

	deviceBuffers int
	waitTimeout   time.Duration
	interval      atomic.Int64

	// Lifecycle
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// Statistics (atomic for thread-safety)
	counter          uint64 // frames accepted; drives the decimation modulus
	framesSkipped    uint64 // negative stride or short data
	lockErrors       uint64
	unlockErrors     uint64
	waitTimeouts     uint64
	waitErrors       uint64
	sessionErrors    uint64
	displayPublished uint64
	sessionFrames    uint64
}

// NewLoop creates a loop with fail-fast validation and allocates the ring
//
// The source must be connected: the ring is sized from its current geometry.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("acquisition: source is required")
	}
	if cfg.RingDepth == 0 {
		cfg.RingDepth = DefaultRingDepth
	}
	if cfg.DeviceBuffers == 0 {
		cfg.DeviceBuffers = DefaultDeviceBuffers
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.DisplayInterval == 0 {
		cfg.DisplayInterval = 1
	}
	if cfg.DisplayInterval < 1 {
		return nil, fmt.Errorf("acquisition: invalid display interval %d (must be >= 1)", cfg.DisplayInterval)
	}
	if cfg.DeviceBuffers < 1 {
		return nil, fmt.Errorf("acquisition: invalid device buffer count %d", cfg.DeviceBuffers)
	}
	if cfg.Session == nil {
		cfg.Session = session.New()
	}
	if cfg.Observer == nil {
		cfg.Observer = notify.Nop
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	geom, err := cfg.Source.Geometry()
	if err != nil {
		return nil, fmt.Errorf("acquisition: cannot query geometry: %w", err)
	}

	r, err := ring.New(cfg.RingDepth, geom)
	if err != nil {
		return nil, fmt.Errorf("acquisition: %w", err)
	}

	l := &Loop{
		src:           cfg.Source,
		ring:          r,
		session:       cfg.Session,
		observer:      cfg.Observer,
		clock:         cfg.Clock,
		geometry:      geom,
		deviceBuffers: cfg.DeviceBuffers,
		waitTimeout:   cfg.WaitTimeout,
	}
	l.interval.Store(int64(cfg.DisplayInterval))

	slog.Info("acquisition: loop created",
		"geometry", geom.String(),
		"ring_depth", cfg.RingDepth,
		"display_interval", cfg.DisplayInterval,
		"wait_timeout", cfg.WaitTimeout,
	)
	return l, nil
}

// Start allocates device buffers, enters streaming mode and launches the
// loop goroutine
//
// Allocation and streaming start are synchronous: on failure every partial
// allocation is released, no goroutine is left behind, and the typed
// device error is returned.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return ErrAlreadyRunning
	}

	if err := l.src.AllocateBuffers(l.deviceBuffers); err != nil {
		// Some devices hold part of the request on failure
		if rerr := l.src.ReleaseBuffers(); rerr != nil {
			slog.Warn("acquisition: release after failed allocation", "error", rerr)
		}
		return fmt.Errorf("acquisition: allocate device buffers: %w", err)
	}

	if err := l.src.StartStreaming(); err != nil {
		if rerr := l.src.ReleaseBuffers(); rerr != nil {
			slog.Warn("acquisition: release after failed start", "error", rerr)
		}
		return fmt.Errorf("acquisition: start streaming: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = time.Now()

	go l.run(runCtx, l.done)

	slog.Info("acquisition: loop started",
		"device_buffers", l.deviceBuffers,
		"display_interval", l.interval.Load(),
	)
	return nil
}

// run is the loop body. It polls cancellation once per wait.
func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.shutdownDevice()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ready, err := l.src.WaitForNextFrame(l.waitTimeout)
		if err != nil {
			atomic.AddUint64(&l.waitErrors, 1)
			slog.Debug("acquisition: wait failed, retrying", "error", err)
			// Keep the retry rate bounded when the device fails fast
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.waitTimeout):
			}
			continue
		}
		if !ready {
			atomic.AddUint64(&l.waitTimeouts, 1)
			continue
		}

		l.processFrame()
	}
}

// processFrame handles one ready frame between lock and unlock
func (l *Loop) processFrame() {
	data, stride, err := l.src.LockFrame()
	if err != nil {
		atomic.AddUint64(&l.lockErrors, 1)
		slog.Debug("acquisition: lock failed, skipping frame", "error", err)
		return
	}
	defer func() {
		if err := l.src.UnlockFrame(); err != nil {
			atomic.AddUint64(&l.unlockErrors, 1)
			slog.Debug("acquisition: unlock failed", "error", err)
		}
	}()

	if !l.frameUsable(data, stride) {
		atomic.AddUint64(&l.framesSkipped, 1)
		slog.Debug("acquisition: invalid frame, skipping",
			"stride", stride,
			"bytes", len(data),
		)
		return
	}

	// Capture session first: every frame, full rate
	recording := l.session.Active()
	finished, err := l.session.Fill(data, stride, l.clock())
	if err != nil {
		atomic.AddUint64(&l.sessionErrors, 1)
		slog.Warn("acquisition: session copy failed", "error", err)
	} else if recording {
		atomic.AddUint64(&l.sessionFrames, 1)
	}
	if finished {
		l.observer.RecordingSessionFinished(l.session.LastFinished())
	}

	// Display ring: every d-th frame, d read fresh
	counter := atomic.LoadUint64(&l.counter)
	d := uint64(l.interval.Load())
	if counter%d == 0 {
		slot := l.ring.WriteSlot()
		if err := slot.CopyFrom(data, stride); err == nil {
			slot.Seq = counter
			published, _ := l.ring.Publish()
			atomic.AddUint64(&l.displayPublished, 1)
			l.observer.FrameReadyForDisplay(published, published.Width, published.Height, published.PixelType)
		}
	}

	atomic.AddUint64(&l.counter, 1)
}

// frameUsable rejects the device error condition (negative stride) and
// buffers too short for the geometry
func (l *Loop) frameUsable(data []byte, stride int) bool {
	rowBytes := l.geometry.RowBytes()
	if stride < rowBytes {
		return false
	}
	return len(data) >= stride*(l.geometry.Height-1)+rowBytes
}

// shutdownDevice leaves streaming mode and releases device buffers
func (l *Loop) shutdownDevice() {
	if err := l.src.StopStreaming(); err != nil {
		slog.Error("acquisition: stop streaming failed", "error", err)
	}
	if err := l.src.ReleaseBuffers(); err != nil {
		slog.Error("acquisition: release buffers failed", "error", err)
	}
}

// Stop cancels the loop and waits for it to leave streaming mode
//
// Idempotent - safe to call multiple times.
func (l *Loop) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel == nil {
		slog.Debug("acquisition: loop not running, nothing to stop")
		return nil
	}

	slog.Info("acquisition: stopping loop")
	l.cancel()

	select {
	case <-l.done:
		slog.Debug("acquisition: loop goroutine stopped cleanly")
	case <-time.After(stopTimeout):
		slog.Warn("acquisition: stop timeout exceeded, loop goroutine may still be running")
	}

	stats := l.Stats()
	slog.Info("acquisition: loop stopped",
		"frames_acquired", stats.FramesAcquired,
		"frames_skipped", stats.FramesSkipped,
		"display_published", stats.DisplayPublished,
		"session_frames", stats.SessionFrames,
		"uptime", time.Since(l.started),
	)

	l.cancel = nil
	return nil
}

// Done is closed when the loop goroutine has exited (nil before Start)
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Running reports whether the loop goroutine is active
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// SetDisplayInterval changes the decimation interval; applies from the next frame
func (l *Loop) SetDisplayInterval(d int) error {
	if d < 1 {
		return fmt.Errorf("acquisition: invalid display interval %d (must be >= 1)", d)
	}
	old := l.interval.Swap(int64(d))
	if old != int64(d) {
		slog.Info("acquisition: display interval updated", "old", old, "new", d)
	}
	return nil
}

// DisplayInterval returns the current decimation interval
func (l *Loop) DisplayInterval() int {
	return int(l.interval.Load())
}

// Ring returns the display ring
func (l *Loop) Ring() *ring.Ring {
	return l.ring
}

// Session returns the capture session fed by this loop
func (l *Loop) Session() *session.Session {
	return l.session
}

// Geometry returns the frame layout the loop was built for
func (l *Loop) Geometry() types.Geometry {
	return l.geometry
}
