package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/fluo-camera/internal/types"
)

// Config represents the complete camera daemon configuration
type Config struct {
	InstanceID       string            `yaml:"instance_id"`
	ShutdownTimeoutS int               `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig      `yaml:"camera"`
	Acquisition      AcquisitionConfig `yaml:"acquisition"`
	Recording        RecordingConfig   `yaml:"recording"`
	MQTT             MQTTConfig        `yaml:"mqtt"`
	HTTP             HTTPConfig        `yaml:"http"`
}

// CameraConfig contains device settings
type CameraConfig struct {
	Source         string  `yaml:"source"`  // synthetic, gstreamer
	Element        string  `yaml:"element"` // gstreamer source element: v4l2src, videotestsrc
	Device         string  `yaml:"device"`  // e.g. /dev/video0 (v4l2src only)
	Width          int     `yaml:"width"`
	Height         int     `yaml:"height"`
	PixelType      string  `yaml:"pixel_type"` // mono8, mono16
	FPS            float64 `yaml:"fps"`
	TriggerMode    string  `yaml:"trigger_mode"` // free_run, internal, external, global_reset
	ConnectRetries int     `yaml:"connect_retries"`
}

// AcquisitionConfig contains live loop settings
type AcquisitionConfig struct {
	RingDepth     int `yaml:"ring_depth"`
	DeviceBuffers int `yaml:"device_buffers"`
	WaitTimeoutMS int `yaml:"wait_timeout_ms"`
	// DisplayIntervals maps trigger mode to display decimation interval
	DisplayIntervals map[string]int `yaml:"display_intervals"`
}

// RecordingConfig contains capture session and save settings
type RecordingConfig struct {
	Frames   int    `yaml:"frames"` // frames per session (max 10000)
	Workers  int    `yaml:"workers"`
	Folder   string `yaml:"folder"`
	Prefix   string `yaml:"prefix"`
	Format   string `yaml:"format"`    // tiff, png, raw
	AutoSave bool   `yaml:"auto_save"` // save as soon as a session finishes
	Manifest bool   `yaml:"manifest"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled bool            `yaml:"enabled"`
	Broker  string          `yaml:"broker"`
	Topics  MQTTTopics      `yaml:"topics"`
	QoS     map[string]byte `yaml:"qos"`
	// DisplayEventEvery publishes one frame_ready event per N display frames (0 = off)
	DisplayEventEvery int `yaml:"display_event_every"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
	Events  string `yaml:"events"`
}

// HTTPConfig contains the status API settings
type HTTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	PreviewMaxSize int    `yaml:"preview_max_size"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Geometry returns the configured frame layout
func (c *Config) Geometry() types.Geometry {
	pt, _ := types.ParsePixelType(c.Camera.PixelType) // checked by Validate
	return types.Geometry{Width: c.Camera.Width, Height: c.Camera.Height, PixelType: pt}
}

// TriggerMode returns the configured trigger mode
func (c *Config) TriggerMode() types.TriggerMode {
	m, _ := types.ParseTriggerMode(c.Camera.TriggerMode) // checked by Validate
	return m
}

// DisplayInterval returns the decimation interval for a trigger mode
func (c *Config) DisplayInterval(mode types.TriggerMode) int {
	if d, ok := c.Acquisition.DisplayIntervals[string(mode)]; ok {
		return d
	}
	return c.Acquisition.DisplayIntervals[string(types.TriggerFreeRun)]
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// WaitTimeout returns the per-wait frame timeout
func (c *Config) WaitTimeout() time.Duration {
	return time.Duration(c.Acquisition.WaitTimeoutMS) * time.Millisecond
}
