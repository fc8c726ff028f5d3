// fluocap records one capture session from the command line, without the
// MQTT or HTTP surfaces, and prints the acquisition statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/e7canasta/fluo-camera/internal/config"
	"github.com/e7canasta/fluo-camera/internal/core"
	"github.com/e7canasta/fluo-camera/internal/framesource"
	"github.com/e7canasta/fluo-camera/internal/framesource/gstcam"
	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/recording"
)

const version = "v0.1.0"

func main() {
	source := flag.String("source", "synthetic", "Frame source: synthetic, gstreamer")
	element := flag.String("element", "v4l2src", "GStreamer source element (gstreamer only)")
	device := flag.String("device", "", "Device path, e.g. /dev/video0 (v4l2src only)")
	width := flag.Int("width", 1024, "Frame width")
	height := flag.Int("height", 1024, "Frame height")
	pixelType := flag.String("pixel", "mono16", "Pixel type: mono8, mono16")
	fps := flag.Float64("fps", 100, "Source frame rate")
	frames := flag.Int("frames", 100, "Frames to record (1-10000)")
	workers := flag.Int("workers", recording.DefaultWorkers, "Writer workers")
	outputDir := flag.String("output", "./recordings", "Output directory")
	format := flag.String("format", "tiff", "Output format: tiff, png, raw")
	snap := flag.Bool("snap", false, "Capture a single frame instead of a session")
	timeout := flag.Duration("timeout", time.Minute, "Give up if the session is not filled in time")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fluocap %s\n", version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cfg := &config.Config{
		InstanceID: "fluocap",
		Camera: config.CameraConfig{
			Source:    *source,
			Element:   *element,
			Device:    *device,
			Width:     *width,
			Height:    *height,
			PixelType: *pixelType,
			FPS:       *fps,
		},
		Recording: config.RecordingConfig{
			Frames:   *frames,
			Workers:  *workers,
			Folder:   *outputDir,
			Format:   *format,
			Manifest: true,
		},
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid options: %v", err)
	}

	var src framesource.Source
	var err error
	switch cfg.Camera.Source {
	case "gstreamer":
		src, err = gstcam.New(gstcam.Config{
			SourceElement: cfg.Camera.Element,
			Device:        cfg.Camera.Device,
			Geometry:      cfg.Geometry(),
			FPS:           cfg.Camera.FPS,
		})
	default:
		src, err = framesource.NewSynthetic(framesource.SyntheticConfig{Geometry: cfg.Geometry(), FPS: cfg.Camera.FPS})
	}
	if err != nil {
		log.Fatalf("Failed to create frame source: %v", err)
	}

	finished := make(chan string, 1)
	scope, err := core.New(cfg, src, notify.Funcs{
		OnRecordingDone: func(id string) {
			select {
			case finished <- id:
			default:
			}
		},
	})
	if err != nil {
		log.Fatalf("Failed to create microscope: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Printf("\nReceived interrupt signal, shutting down...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	code := run(ctx, scope, cfg, *snap, *timeout, finished)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := scope.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown failed", "error", err)
		code = 1
	}
	os.Exit(code)
}

func run(ctx context.Context, scope *core.Microscope, cfg *config.Config, snap bool, timeout time.Duration, finished <-chan string) int {
	if err := scope.Connect(ctx); err != nil {
		slog.Error("Failed to connect camera", "error", err)
		return 1
	}

	if snap {
		return snapOne(ctx, scope, cfg)
	}

	if err := scope.StartLive(ctx); err != nil {
		slog.Error("Failed to start live streaming", "error", err)
		return 1
	}

	start := time.Now()
	id, err := scope.StartRecording(cfg.Recording.Frames)
	if err != nil {
		slog.Error("Failed to start recording", "error", err)
		return 1
	}
	fmt.Printf("Recording %d frames (session %s)...\n", cfg.Recording.Frames, id)

	select {
	case <-finished:
	case <-time.After(timeout):
		// StopLive below keeps the filled prefix for Save
		fmt.Printf("\nSession not filled after %s, saving what was captured\n", timeout)
	case <-ctx.Done():
		return 1
	}
	fill := time.Since(start)

	st := scope.Status()
	if err := scope.StopLive(); err != nil {
		slog.Error("Failed to stop live streaming", "error", err)
	}

	res, err := scope.Save(ctx)
	if err != nil && res == nil {
		slog.Error("Save failed", "error", err)
		return 1
	}
	printResult(res, st, fill)
	if res.Failed > 0 || err != nil {
		return 1
	}
	return 0
}

func snapOne(ctx context.Context, scope *core.Microscope, cfg *config.Config) int {
	f, err := scope.Capture(ctx)
	if err != nil {
		slog.Error("Capture failed", "error", err)
		return 1
	}
	format, err := recording.ParseFormat(cfg.Recording.Format)
	if err != nil {
		slog.Error("Invalid format", "error", err)
		return 1
	}
	if err := os.MkdirAll(cfg.Recording.Folder, 0o755); err != nil {
		slog.Error("Failed to create output directory", "error", err)
		return 1
	}
	path := filepath.Join(cfg.Recording.Folder, recording.FileName(cfg.Recording.Prefix+"_snap", time.Now(), format))
	if err := recording.WriteFile(path, f, format); err != nil {
		slog.Error("Failed to write frame", "error", err)
		return 1
	}
	fmt.Printf("Captured %s -> %s\n", f.Geometry(), path)
	return 0
}

func printResult(res *recording.Result, st core.Status, fill time.Duration) {
	fr := res.FrameRate
	fmt.Printf("\n")
	fmt.Printf("╭─────────────────────────────────────────────────────────╮\n")
	fmt.Printf("│ Session %s\n", res.SessionID)
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ Frames Saved:       %6d frames\n", res.Saved)
	fmt.Printf("│ Frames Failed:      %6d frames\n", res.Failed)
	fmt.Printf("│ Fill Time:          %6.2f s\n", fill.Seconds())
	fmt.Printf("│ Save Time:          %6.2f s\n", res.Duration.Seconds())
	fmt.Printf("│ FPS Mean:           %6.2f fps\n", fr.FPSMean)
	fmt.Printf("│ FPS StdDev:         %6.2f fps\n", fr.FPSStdDev)
	fmt.Printf("│ FPS Range:          %6.1f - %.1f fps\n", fr.FPSMin, fr.FPSMax)
	fmt.Printf("│ Jitter Mean:        %6.4f s\n", fr.JitterMean)
	fmt.Printf("│ Jitter Max:         %6.4f s\n", fr.JitterMax)
	fmt.Printf("│ Stable:             %6v\n", fr.IsStable)
	if st.Loop != nil {
		fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
		fmt.Printf("│ Frames Acquired:    %6d frames\n", st.Loop.FramesAcquired)
		fmt.Printf("│ Frames Skipped:     %6d frames\n", st.Loop.FramesSkipped)
		fmt.Printf("│ Display Published:  %6d frames\n", st.Loop.DisplayPublished)
	}
	fmt.Printf("├─────────────────────────────────────────────────────────┤\n")
	fmt.Printf("│ Folder:   %s\n", res.Folder)
	if res.ManifestPath != "" {
		fmt.Printf("│ Manifest: %s\n", filepath.Base(res.ManifestPath))
	}
	fmt.Printf("╰─────────────────────────────────────────────────────────╯\n")
}
