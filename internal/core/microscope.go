package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/fluo-camera/internal/acquisition"
	"github.com/e7canasta/fluo-camera/internal/config"
	"github.com/e7canasta/fluo-camera/internal/display"
	"github.com/e7canasta/fluo-camera/internal/framesource"
	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/recording"
	"github.com/e7canasta/fluo-camera/internal/session"
	"github.com/e7canasta/fluo-camera/internal/types"
)

var (
	// ErrBusy is returned when the device or the writer pool is in use
	ErrBusy = errors.New("core: camera busy")
	// ErrNotLive is returned by operations that need live streaming
	ErrNotLive = errors.New("core: live streaming not running")
	// ErrNotConnected is returned before Connect succeeded
	ErrNotConnected = errors.New("core: camera not connected")
	// ErrNoRecording is returned by Save and StopRecording with nothing to act on
	ErrNoRecording = errors.New("core: no recording to save")
	// ErrUnsavedRecording is returned by StartRecording while a finished
	// recording has not been saved or discarded
	ErrUnsavedRecording = errors.New("core: previous recording not saved")
	// ErrClosed is returned after Shutdown
	ErrClosed = errors.New("core: microscope shut down")
)

// Microscope orchestrates one camera: live streaming with decimated display,
// capture sessions at full rate, single-shot capture and saving to disk
//
// Control methods are safe for concurrent use; they are serialized by an
// internal mutex. Notifications reach the observer passed to New.
type Microscope struct {
	src      framesource.Source
	session  *session.Session
	display  *display.Supplier
	observer notify.Observer

	autoSave atomic.Bool

	// saveMu serializes writer pools; background saves queue on it
	saveMu sync.Mutex

	mu              sync.Mutex
	cfg             *config.Config
	connected       bool
	capturing       bool
	closed          bool
	loop            *acquisition.Loop
	trigger         types.TriggerMode
	interval        int
	pending         *session.Buffer
	pool            *recording.Pool
	lastSave        *recording.Result
	lastSaveErr     error
	captures        uint64
	connectAttempts uint32
	started         time.Time

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New creates a microscope over src. observer (may be nil) receives every
// display, recording and save notification.
func New(cfg *config.Config, src framesource.Source, observer notify.Observer) (*Microscope, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if src == nil {
		return nil, fmt.Errorf("core: frame source is required")
	}

	m := &Microscope{
		src:     src,
		session: session.New(),
		display: display.NewSupplier(),
		cfg:     cfg,
		trigger: cfg.TriggerMode(),
		started: time.Now(),
	}
	m.interval = cfg.DisplayInterval(m.trigger)
	m.autoSave.Store(cfg.Recording.AutoSave)
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())

	observers := notify.Multi{m.display, notify.Funcs{OnRecordingDone: m.onRecordingDone}}
	if observer != nil {
		observers = append(observers, observer)
	}
	m.observer = observers

	slog.Info("core: microscope created",
		"instance_id", cfg.InstanceID,
		"trigger_mode", m.trigger,
		"display_interval", m.interval,
		"auto_save", cfg.Recording.AutoSave,
	)
	return m, nil
}

// Connect opens the device, retrying with exponential backoff
func (m *Microscope) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	rc := framesource.DefaultReconnectConfig()
	rc.MaxRetries = m.cfg.Camera.ConnectRetries
	m.mu.Unlock()

	var attempts uint32
	err := framesource.ConnectWithRetry(ctx, m.src, rc, &attempts)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectAttempts += attempts
	if err != nil {
		return err
	}
	g, err := m.src.Geometry()
	if err != nil {
		return err
	}
	m.connected = true
	if want := m.cfg.Geometry(); g != want {
		slog.Warn("core: device geometry differs from configuration, using device geometry",
			"device", g.String(),
			"configured", want.String(),
		)
	}
	slog.Info("core: camera connected", "geometry", g.String(), "failed_attempts", attempts)
	return nil
}

// StartLive starts the acquisition loop. Fails with ErrBusy during a
// single-shot capture and acquisition.ErrAlreadyRunning when live.
func (m *Microscope) StartLive(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usableLocked(); err != nil {
		return err
	}
	if m.capturing {
		return ErrBusy
	}
	if m.loop != nil && m.loop.Running() {
		return acquisition.ErrAlreadyRunning
	}

	// The ring is sized from the device geometry at start
	loop, err := acquisition.NewLoop(acquisition.Config{
		Source:          m.src,
		RingDepth:       m.cfg.Acquisition.RingDepth,
		DeviceBuffers:   m.cfg.Acquisition.DeviceBuffers,
		WaitTimeout:     m.cfg.WaitTimeout(),
		DisplayInterval: m.interval,
		Session:         m.session,
		Observer:        m.observer,
	})
	if err != nil {
		return err
	}
	if err := loop.Start(ctx); err != nil {
		return err
	}
	m.loop = loop
	return nil
}

// StopLive stops the acquisition loop. An unfinished recording is cancelled
// and its frames kept for Save.
func (m *Microscope) StopLive() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loop == nil || !m.loop.Running() {
		return nil
	}
	if err := m.loop.Stop(); err != nil {
		return err
	}

	if m.session.Active() {
		if buf := m.session.Cancel(); buf != nil {
			slog.Warn("core: recording interrupted by stop live, frames kept for save",
				"session_id", buf.ID(),
				"filled", buf.Filled(),
				"target", buf.Len(),
			)
			m.keepPendingLocked(buf)
		}
	}
	return nil
}

// Capture takes one frame with the device idle. Returns ErrBusy while live.
func (m *Microscope) Capture(ctx context.Context) (*types.Frame, error) {
	m.mu.Lock()
	if err := m.usableLocked(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if m.capturing || (m.loop != nil && m.loop.Running()) {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	m.capturing = true
	m.mu.Unlock()

	f, err := framesource.Snap(ctx, m.src, framesource.DefaultSnapTimeout)

	m.mu.Lock()
	m.capturing = false
	if err == nil {
		m.captures++
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	slog.Info("core: single frame captured", "geometry", f.Geometry().String())
	return f, nil
}

// StartRecording allocates a session of n frames (0 = configured size) and
// starts routing every live frame into it. Returns the session ID.
func (m *Microscope) StartRecording(n int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loop == nil || !m.loop.Running() {
		return "", ErrNotLive
	}
	if m.session.Active() {
		return "", session.ErrActive
	}
	if m.pending != nil || m.session.ID() != "" {
		return "", ErrUnsavedRecording
	}
	if n == 0 {
		n = m.cfg.Recording.Frames
	}

	g := m.loop.Geometry()
	buf, err := session.Allocate(n, g)
	if err != nil {
		return "", err
	}
	// The device may have been reconfigured since the loop started
	dev, err := m.src.Geometry()
	if err != nil {
		return "", err
	}
	if err := buf.Check(dev); err != nil {
		return "", err
	}
	if err := m.session.Start(buf); err != nil {
		return "", err
	}
	return buf.ID(), nil
}

// StopRecording cancels the current recording (or takes the finished,
// unsaved one). With persist the captured frames are saved in the
// background; otherwise they are discarded. Returns the session ID.
func (m *Microscope) StopRecording(persist bool) (string, error) {
	m.mu.Lock()
	buf := m.session.Cancel()
	if buf == nil {
		buf, m.pending = m.pending, nil
	}
	if buf == nil {
		m.mu.Unlock()
		return "", ErrNoRecording
	}
	id := buf.ID()

	if !persist {
		buf.Release()
		m.mu.Unlock()
		slog.Info("core: recording discarded", "session_id", id, "filled", buf.Filled())
		return id, nil
	}
	m.pending = buf
	m.mu.Unlock()

	m.saveInBackground("stop_and_persist")
	return id, nil
}

// Save writes the finished (or interrupted) recording to disk and waits
// for the writer pool. Returns ErrBusy while another save is running.
func (m *Microscope) Save(ctx context.Context) (*recording.Result, error) {
	if !m.saveMu.TryLock() {
		return nil, ErrBusy
	}
	defer m.saveMu.Unlock()
	return m.saveLocked(ctx)
}

// saveLocked runs one writer pool; the caller holds saveMu
func (m *Microscope) saveLocked(ctx context.Context) (*recording.Result, error) {
	m.mu.Lock()
	buf := m.pending
	m.pending = nil
	if buf == nil {
		buf = m.session.Detach()
	}
	if buf == nil {
		active := m.session.Active()
		m.mu.Unlock()
		if active {
			return nil, session.ErrActive
		}
		return nil, ErrNoRecording
	}

	format, err := recording.ParseFormat(m.cfg.Recording.Format)
	if err != nil {
		m.pending = buf
		m.mu.Unlock()
		return nil, err
	}
	pool, err := recording.NewPool(buf, recording.Options{
		Folder:   m.cfg.Recording.Folder,
		Prefix:   m.cfg.Recording.Prefix,
		Format:   format,
		Workers:  m.cfg.Recording.Workers,
		Manifest: m.cfg.Recording.Manifest,
		Observer: m.observer,
	})
	if err != nil {
		m.pending = buf
		m.mu.Unlock()
		return nil, err
	}
	if err := pool.Start(ctx); err != nil {
		m.pending = buf
		m.mu.Unlock()
		return nil, err
	}
	m.pool = pool
	m.mu.Unlock()

	res, err := pool.Wait(ctx)

	m.mu.Lock()
	m.pool = nil
	m.lastSave = res
	m.lastSaveErr = err
	m.mu.Unlock()
	return res, err
}

// saveInBackground saves on the microscope's own context, after any save
// already running
func (m *Microscope) saveInBackground(reason string) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		m.saveMu.Lock()
		defer m.saveMu.Unlock()

		if m.bgCtx.Err() != nil {
			slog.Warn("core: background save skipped, shutting down", "reason", reason)
			return
		}
		res, err := m.saveLocked(m.bgCtx)
		if errors.Is(err, ErrNoRecording) {
			// Already taken by an explicit Save
			slog.Debug("core: background save found nothing to save", "reason", reason)
			return
		}
		if err != nil {
			slog.Error("core: background save failed", "reason", reason, "error", err)
			return
		}
		slog.Info("core: background save done",
			"reason", reason,
			"session_id", res.SessionID,
			"saved", res.Saved,
			"failed", res.Failed,
		)
	}()
}

// onRecordingDone runs on the acquisition goroutine; it must not take m.mu
func (m *Microscope) onRecordingDone(sessionID string) {
	if m.autoSave.Load() {
		slog.Info("core: recording finished, auto-saving", "session_id", sessionID)
		m.saveInBackground("auto_save")
	}
}

// keepPendingLocked parks buf for a later Save, replacing nothing
func (m *Microscope) keepPendingLocked(buf *session.Buffer) {
	if m.pending != nil {
		slog.Warn("core: dropping older unsaved recording", "session_id", m.pending.ID())
		m.pending.Release()
	}
	m.pending = buf
}

// SetDisplayInterval overrides the decimation interval until the trigger
// mode changes
func (m *Microscope) SetDisplayInterval(d int) error {
	if d < 1 {
		return fmt.Errorf("core: invalid display interval %d (must be >= 1)", d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interval = d
	if m.loop != nil {
		return m.loop.SetDisplayInterval(d)
	}
	return nil
}

// SetTriggerMode switches the trigger mode and applies its display interval
func (m *Microscope) SetTriggerMode(mode string) error {
	tm, err := types.ParseTriggerMode(mode)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.trigger = tm
	m.interval = m.cfg.DisplayInterval(tm)
	slog.Info("core: trigger mode changed", "mode", tm, "display_interval", m.interval)
	if m.loop != nil {
		return m.loop.SetDisplayInterval(m.interval)
	}
	return nil
}

// ApplyConfig takes the hot-reloadable parts of cfg: display intervals and
// recording settings. Camera and acquisition buffer settings need a restart.
func (m *Microscope) ApplyConfig(cfg *config.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := *m.cfg
	next.Acquisition.DisplayIntervals = cfg.Acquisition.DisplayIntervals
	next.Recording = cfg.Recording
	m.cfg = &next
	m.autoSave.Store(next.Recording.AutoSave)

	m.interval = next.DisplayInterval(m.trigger)
	slog.Info("core: configuration applied",
		"display_interval", m.interval,
		"recording_frames", next.Recording.Frames,
		"recording_format", next.Recording.Format,
	)
	if m.loop != nil {
		return m.loop.SetDisplayInterval(m.interval)
	}
	return nil
}

// Display returns the supplier holding the latest display frame
func (m *Microscope) Display() *display.Supplier {
	return m.display
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (m *Microscope) ShutdownTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.ShutdownTimeout()
}

// Shutdown stops streaming, lets a running save finish within ctx, and
// disconnects the device. Idempotent.
func (m *Microscope) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	loop := m.loop
	m.mu.Unlock()

	slog.Info("core: shutting down")

	if loop != nil {
		if err := loop.Stop(); err != nil {
			slog.Warn("core: loop stop failed", "error", err)
		}
	}
	if m.session.Active() {
		if buf := m.session.Cancel(); buf != nil {
			slog.Warn("core: unfinished recording dropped at shutdown", "session_id", buf.ID(), "filled", buf.Filled())
			buf.Release()
		}
	}

	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("core: shutdown timeout, stopping writer pool")
		// Queued background saves see the cancelled context and skip
		m.bgCancel()
		m.mu.Lock()
		if m.pool != nil {
			m.pool.Stop()
		}
		m.mu.Unlock()
		<-done
	}
	m.bgCancel()

	m.display.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, buf := range []*session.Buffer{m.pending, m.session.Detach()} {
		if buf != nil {
			slog.Warn("core: unsaved recording dropped at shutdown", "session_id", buf.ID(), "filled", buf.Filled())
			buf.Release()
		}
	}
	m.pending = nil
	m.connected = false
	if err := m.src.Disconnect(); err != nil {
		return fmt.Errorf("core: disconnect: %w", err)
	}
	slog.Info("core: shutdown complete", "uptime", time.Since(m.started))
	return nil
}

func (m *Microscope) usableLocked() error {
	if m.closed {
		return ErrClosed
	}
	if !m.connected {
		return ErrNotConnected
	}
	return nil
}
