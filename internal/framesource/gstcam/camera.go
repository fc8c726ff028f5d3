package gstcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/fluo-camera/internal/framesource"
	"github.com/e7canasta/fluo-camera/internal/types"
)

const component = "gstcam"

// Config contains configuration for a GStreamer-backed camera
type Config struct {
	SourceElement string
	Device        string
	Geometry      types.Geometry
	FPS           float64
}

// Camera implements framesource.Source on top of a GStreamer appsink
//
// The appsink callback copies each sample into a free buffer and publishes
// it as the latest frame. LockFrame pins the latest buffer; a pinned buffer
// is never reused until UnlockFrame.
type Camera struct {
	cfg Config

	// Lifecycle
	mu        sync.Mutex
	elements  *PipelineElements
	connected bool
	streaming bool
	buffers   int
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Frame handoff (protected by frameMu)
	frameMu sync.Mutex
	latest  []byte
	pinned  []byte
	free    [][]byte
	ready   chan struct{}
	busErr  error

	// Statistics (atomic for thread-safety)
	samples       uint64
	samplesBad    uint64
	bytesReceived uint64
}

// New creates a camera with fail-fast validation
func New(cfg Config) (*Camera, error) {
	if cfg.SourceElement == "" {
		cfg.SourceElement = "v4l2src"
	}
	if !cfg.Geometry.Valid() {
		return nil, fmt.Errorf("gstcam: invalid geometry %s", cfg.Geometry)
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("gstcam: invalid FPS %.2f", cfg.FPS)
	}
	if err := checkGStreamerAvailable(cfg.SourceElement); err != nil {
		return nil, fmt.Errorf("gstcam: GStreamer not available: %w", err)
	}

	return &Camera{
		cfg:   cfg,
		ready: make(chan struct{}, 1),
	}, nil
}

// Connect builds the pipeline and brings it to READY
func (c *Camera) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return framesource.NewError(component, "connect", framesource.ErrCategoryConnection, "context done", err)
	}

	elements, err := CreatePipeline(PipelineConfig{
		SourceElement: c.cfg.SourceElement,
		Device:        c.cfg.Device,
		Geometry:      c.cfg.Geometry,
		FPS:           c.cfg.FPS,
		MaxBuffers:    1,
	})
	if err != nil {
		return framesource.NewError(component, "connect", framesource.ErrCategoryConnection, "pipeline creation failed", err)
	}

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: c.onNewSample,
	})

	if err := elements.Pipeline.SetState(gst.StateReady); err != nil {
		_ = DestroyPipeline(elements)
		return framesource.NewError(component, "connect", framesource.ErrCategoryConnection, "device did not reach READY", err)
	}

	c.elements = elements
	c.connected = true

	slog.Info("gstcam: camera connected",
		"source", c.cfg.SourceElement,
		"device", c.cfg.Device,
		"geometry", c.cfg.Geometry.String(),
	)
	return nil
}

func (c *Camera) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect tears the pipeline down. Idempotent.
func (c *Camera) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.StopStreaming(); err != nil {
		slog.Warn("gstcam: stop streaming during disconnect failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := DestroyPipeline(c.elements)
	c.elements = nil
	c.connected = false
	c.buffers = 0

	slog.Info("gstcam: camera disconnected",
		"samples", atomic.LoadUint64(&c.samples),
		"samples_bad", atomic.LoadUint64(&c.samplesBad),
		"bytes_received", atomic.LoadUint64(&c.bytesReceived),
	)

	if err != nil {
		return framesource.NewError(component, "disconnect", framesource.ErrCategoryConnection, "pipeline teardown failed", err)
	}
	return nil
}

func (c *Camera) Geometry() (types.Geometry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return types.Geometry{}, framesource.NewError(component, "geometry", framesource.ErrCategoryConnection, "not connected", nil)
	}
	return c.cfg.Geometry, nil
}

// AllocateBuffers sizes both the appsink queue and the host-side free list
func (c *Camera) AllocateBuffers(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return framesource.NewError(component, "allocframe", framesource.ErrCategoryConnection, "not connected", nil)
	}
	if n <= 0 {
		return framesource.NewError(component, "allocframe", framesource.ErrCategoryConnection, fmt.Sprintf("invalid buffer count %d", n), nil)
	}

	SetMaxBuffers(c.elements, n)

	size := c.cfg.Geometry.FrameBytes()
	c.frameMu.Lock()
	c.free = c.free[:0]
	// n buffers plus one for the pinned frame and one being filled
	for i := 0; i < n+2; i++ {
		c.free = append(c.free, make([]byte, size))
	}
	c.latest = nil
	c.pinned = nil
	c.frameMu.Unlock()

	c.buffers = n
	return nil
}

func (c *Camera) ReleaseBuffers() error {
	c.mu.Lock()
	c.buffers = 0
	c.mu.Unlock()

	c.frameMu.Lock()
	c.free = nil
	c.latest = nil
	c.pinned = nil
	c.frameMu.Unlock()
	return nil
}

func (c *Camera) StartStreaming() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return framesource.NewError(component, "capture", framesource.ErrCategoryConnection, "not connected", nil)
	}
	if c.buffers == 0 {
		return framesource.NewError(component, "capture", framesource.ErrCategoryConnection, "no buffers allocated", nil)
	}
	if c.streaming {
		return nil
	}

	c.frameMu.Lock()
	c.busErr = nil
	c.frameMu.Unlock()

	if err := c.elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		return framesource.NewError(component, "capture", framesource.ErrCategoryConnection, "pipeline did not start", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.streaming = true

	c.wg.Add(1)
	go c.monitorBus(ctx, c.elements)

	slog.Info("gstcam: streaming started", "buffers", c.buffers)
	return nil
}

func (c *Camera) StopStreaming() error {
	c.mu.Lock()
	if !c.streaming {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	c.cancel = nil
	c.streaming = false
	elements := c.elements
	c.mu.Unlock()

	c.wg.Wait()

	if err := elements.Pipeline.SetState(gst.StateReady); err != nil {
		return framesource.NewError(component, "idle", framesource.ErrCategoryConnection, "pipeline did not stop", err)
	}
	slog.Info("gstcam: streaming stopped")
	return nil
}

func (c *Camera) WaitForNextFrame(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.ready:
	case <-timer.C:
		return false, nil
	}

	c.frameMu.Lock()
	defer c.frameMu.Unlock()
	if c.busErr != nil {
		err := c.busErr
		c.busErr = nil
		return false, err
	}
	return c.latest != nil, nil
}

func (c *Camera) LockFrame() ([]byte, int, error) {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	if c.pinned != nil {
		return nil, 0, framesource.NewError(component, "lockdata", framesource.ErrCategoryTransient, "frame already locked", nil)
	}
	if c.latest == nil {
		return nil, 0, framesource.NewError(component, "lockdata", framesource.ErrCategoryTransient, "no frame ready", nil)
	}
	c.pinned = c.latest
	if len(c.pinned) < c.cfg.Geometry.FrameBytes() {
		return c.pinned, -1, nil
	}
	return c.pinned, c.cfg.Geometry.RowBytes(), nil
}

func (c *Camera) UnlockFrame() error {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	if c.pinned == nil {
		return framesource.NewError(component, "unlockdata", framesource.ErrCategoryTransient, "frame not locked", nil)
	}
	if !sameBuffer(c.pinned, c.latest) {
		c.free = append(c.free, c.pinned[:cap(c.pinned)])
	}
	c.pinned = nil
	return nil
}

// onNewSample is called by GStreamer on its streaming thread
func (c *Camera) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		atomic.AddUint64(&c.samplesBad, 1)
		slog.Warn("gstcam: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		atomic.AddUint64(&c.samplesBad, 1)
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		atomic.AddUint64(&c.samplesBad, 1)
		return gst.FlowOK
	}

	c.frameMu.Lock()
	var dst []byte
	if n := len(c.free); n > 0 {
		dst = c.free[n-1]
		c.free = c.free[:n-1]
	}
	c.frameMu.Unlock()

	if dst == nil {
		// Consumer holds every buffer; drop at the source like appsink drop=true
		buffer.Unmap()
		atomic.AddUint64(&c.samplesBad, 1)
		return gst.FlowOK
	}

	n := copy(dst, data)
	buffer.Unmap()
	dst = dst[:n]

	c.frameMu.Lock()
	if c.latest != nil && !sameBuffer(c.latest, c.pinned) {
		c.free = append(c.free, c.latest[:cap(c.latest)])
	}
	c.latest = dst
	c.frameMu.Unlock()

	seq := atomic.AddUint64(&c.samples, 1)
	atomic.AddUint64(&c.bytesReceived, uint64(n))

	select {
	case c.ready <- struct{}{}:
	default:
	}

	slog.Debug("gstcam: sample received",
		"seq", seq,
		"size_bytes", n,
		"trace_id", uuid.New().String(),
	)
	return gst.FlowOK
}

// monitorBus records pipeline errors so the next wait reports them
func (c *Camera) monitorBus(ctx context.Context, elements *PipelineElements) {
	defer c.wg.Done()

	bus := elements.Pipeline.GetPipelineBus()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			category := classifyGStreamerError(gerr)
			slog.Error("gstcam: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
			)
			c.publishBusError(framesource.NewError(component, "stream", category, gerr.Error(), nil))

		case gst.MessageEOS:
			slog.Warn("gstcam: end of stream received")
			c.publishBusError(framesource.NewError(component, "stream", framesource.ErrCategoryConnection, "end of stream", nil))
		}
	}
}

func (c *Camera) publishBusError(err error) {
	c.frameMu.Lock()
	c.busErr = err
	c.frameMu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
