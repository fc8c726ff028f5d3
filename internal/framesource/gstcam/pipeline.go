package gstcam

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/fluo-camera/internal/types"
)

// PipelineConfig contains configuration for GStreamer pipeline creation
type PipelineConfig struct {
	// SourceElement is the GStreamer source factory: "v4l2src" or "videotestsrc"
	SourceElement string
	// Device is the v4l2 device node (ignored for videotestsrc)
	Device   string
	Geometry types.Geometry
	FPS      float64
	// MaxBuffers bounds the appsink queue (device-side buffers)
	MaxBuffers int
}

// PipelineElements holds references to GStreamer pipeline elements
type PipelineElements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	CapsFilter *gst.Element
	Source     *gst.Element
}

// CreatePipeline creates a monochrome raw-video pipeline
//
// Pipeline structure:
//
//	<source> → videoconvert → capsfilter(GRAY8|GRAY16_LE) → appsink
//
// The pipeline is configured but NOT started (state remains NULL).
func CreatePipeline(cfg PipelineConfig) (*PipelineElements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	source, err := gst.NewElement(cfg.SourceElement)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", cfg.SourceElement, err)
	}
	switch cfg.SourceElement {
	case "v4l2src":
		if cfg.Device != "" {
			source.SetProperty("device", cfg.Device)
		}
	case "videotestsrc":
		source.SetProperty("is-live", true)
		source.SetProperty("pattern", 18) // ball: moving target for focus checks
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Geometry, cfg.FPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	maxBuffers := cfg.MaxBuffers
	if maxBuffers <= 0 {
		maxBuffers = 1
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", maxBuffers)
	appsink.SetProperty("drop", true)

	pipeline.AddMany(source, converter, capsfilter, appsink.Element)
	if err := gst.ElementLinkMany(source, converter, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	slog.Info("gstcam: pipeline created",
		"source", cfg.SourceElement,
		"device", cfg.Device,
		"caps", buildCaps(cfg.Geometry, cfg.FPS),
		"max_buffers", maxBuffers,
	)

	return &PipelineElements{
		Pipeline:   pipeline,
		AppSink:    appsink,
		CapsFilter: capsfilter,
		Source:     source,
	}, nil
}

// SetMaxBuffers resizes the appsink queue
func SetMaxBuffers(elements *PipelineElements, n int) {
	if elements == nil || elements.AppSink == nil {
		return
	}
	elements.AppSink.SetProperty("max-buffers", n)
}

// DestroyPipeline sets the pipeline to NULL, releasing all resources.
// Safe to call on a nil or already destroyed pipeline.
func DestroyPipeline(elements *PipelineElements) error {
	if elements == nil || elements.Pipeline == nil {
		return nil
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// buildCaps builds the raw monochrome caps string
//
// Format: "video/x-raw,format=GRAY16_LE,width=W,height=H,framerate=N/D"
func buildCaps(g types.Geometry, fps float64) string {
	format := "GRAY8"
	if g.PixelType == types.Mono16 {
		format = "GRAY16_LE"
	}

	caps := fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d", format, g.Width, g.Height)
	if fps <= 0 {
		return caps
	}

	numerator, denominator := 1, 1
	if fps < 1.0 {
		denominator = int(1.0 / fps)
	} else {
		numerator = int(fps)
	}
	return fmt.Sprintf("%s,framerate=%d/%d", caps, numerator, denominator)
}

// checkGStreamerAvailable is a fail-fast check run at construction time
func checkGStreamerAvailable(sourceElement string) error {
	gst.Init(nil)

	elem, err := gst.NewElement(sourceElement)
	if err != nil {
		return fmt.Errorf("GStreamer element %s not available: %w", sourceElement, err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
