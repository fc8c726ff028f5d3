package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/fluo-camera/internal/recording"
	"github.com/e7canasta/fluo-camera/internal/session"
	"github.com/e7canasta/fluo-camera/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// defaultDisplayIntervals per trigger mode
var defaultDisplayIntervals = map[string]int{
	string(types.TriggerFreeRun):     8,
	string(types.TriggerInternal):    2,
	string(types.TriggerExternal):    1,
	string(types.TriggerGlobalReset): 1,
}

// Validate checks the configuration and fills defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateAcquisition(&cfg.Acquisition); err != nil {
		return err
	}
	if err := validateRecording(&cfg.Recording); err != nil {
		return err
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.DisplayEventEvery < 0 {
			return fmt.Errorf("mqtt.display_event_every must be >= 0")
		}
	}
	if cfg.MQTT.Topics.Control == "" {
		cfg.MQTT.Topics.Control = fmt.Sprintf("fluo/control/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = fmt.Sprintf("fluo/status/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("fluo/events/%s", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"control": 1,
			"status":  0,
			"events":  1,
		}
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8080"
	}
	if cfg.HTTP.PreviewMaxSize <= 0 {
		cfg.HTTP.PreviewMaxSize = 512
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	switch c.Source {
	case "":
		c.Source = "synthetic"
	case "synthetic", "gstreamer":
	default:
		return fmt.Errorf("camera.source must be 'synthetic' or 'gstreamer', got %q", c.Source)
	}
	if c.Source == "gstreamer" && c.Element == "" {
		c.Element = "v4l2src"
	}

	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera.width and camera.height must be > 0")
	}
	if _, err := types.ParsePixelType(c.PixelType); err != nil {
		return fmt.Errorf("camera.pixel_type: %w", err)
	}
	if c.PixelType == "" {
		c.PixelType = types.Mono16.String()
	}
	if c.FPS < 0 {
		return fmt.Errorf("camera.fps must be >= 0")
	}
	if _, err := types.ParseTriggerMode(c.TriggerMode); err != nil {
		return fmt.Errorf("camera.trigger_mode: %w", err)
	}
	if c.TriggerMode == "" {
		c.TriggerMode = string(types.TriggerFreeRun)
	}
	if c.ConnectRetries == 0 {
		c.ConnectRetries = 5
	}
	if c.ConnectRetries < 0 {
		return fmt.Errorf("camera.connect_retries must be >= 0")
	}
	return nil
}

func validateAcquisition(a *AcquisitionConfig) error {
	if a.RingDepth == 0 {
		a.RingDepth = 16
	}
	if a.RingDepth < 2 {
		return fmt.Errorf("acquisition.ring_depth must be >= 2")
	}
	if a.DeviceBuffers == 0 {
		a.DeviceBuffers = 3
	}
	if a.DeviceBuffers < 1 {
		return fmt.Errorf("acquisition.device_buffers must be >= 1")
	}
	if a.WaitTimeoutMS == 0 {
		a.WaitTimeoutMS = 100
	}
	if a.WaitTimeoutMS < 0 {
		return fmt.Errorf("acquisition.wait_timeout_ms must be > 0")
	}

	if a.DisplayIntervals == nil {
		a.DisplayIntervals = make(map[string]int)
	}
	for mode, d := range a.DisplayIntervals {
		if _, err := types.ParseTriggerMode(mode); err != nil {
			return fmt.Errorf("acquisition.display_intervals: %w", err)
		}
		if d < 1 {
			return fmt.Errorf("acquisition.display_intervals[%s] must be >= 1, got %d", mode, d)
		}
	}
	for mode, d := range defaultDisplayIntervals {
		if _, ok := a.DisplayIntervals[mode]; !ok {
			a.DisplayIntervals[mode] = d
		}
	}
	return nil
}

func validateRecording(r *RecordingConfig) error {
	if r.Frames == 0 {
		r.Frames = 100
	}
	if r.Frames < 1 || r.Frames > session.MaxFrames {
		return fmt.Errorf("recording.frames must be in [1, %d], got %d", session.MaxFrames, r.Frames)
	}
	if r.Workers == 0 {
		r.Workers = recording.DefaultWorkers
	}
	if r.Workers < 1 {
		return fmt.Errorf("recording.workers must be >= 1")
	}
	if r.Folder == "" {
		r.Folder = "./recordings"
	}
	if r.Prefix == "" {
		r.Prefix = "img"
	}
	switch r.Format {
	case "":
		r.Format = "tiff"
	case "tiff", "png", "raw":
	default:
		return fmt.Errorf("recording.format must be tiff, png or raw, got %q", r.Format)
	}
	return nil
}
