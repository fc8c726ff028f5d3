// Package daemon assembles the camera service: device, microscope core,
// MQTT control plane and events, HTTP API and configuration hot-reload.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/fluo-camera/internal/api"
	"github.com/e7canasta/fluo-camera/internal/broker"
	"github.com/e7canasta/fluo-camera/internal/config"
	"github.com/e7canasta/fluo-camera/internal/control"
	"github.com/e7canasta/fluo-camera/internal/core"
	"github.com/e7canasta/fluo-camera/internal/framesource"
	"github.com/e7canasta/fluo-camera/internal/framesource/gstcam"
	"github.com/e7canasta/fluo-camera/internal/notify"
	"github.com/e7canasta/fluo-camera/internal/recording"
)

// Deps overrides the device and broker client, mainly for tests
type Deps struct {
	Source     framesource.Source
	MQTTClient mqtt.Client
}

// Service is one running camera daemon
type Service struct {
	cfg        *config.Config
	configPath string
	scope      *core.Microscope

	client  mqtt.Client
	events  *notify.MQTTObserver
	control *control.Handler
	api     *api.Server

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// New loads configPath and builds every component. Nothing is started.
func New(configPath string, deps Deps) (*Service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, configPath, deps)
}

// NewWithConfig builds the service from an already validated config.
// configPath may be empty, which disables hot-reload.
func NewWithConfig(cfg *config.Config, configPath string, deps Deps) (*Service, error) {
	s := &Service{cfg: cfg, configPath: configPath}

	src := deps.Source
	if src == nil {
		var err error
		if src, err = newSource(cfg); err != nil {
			return nil, err
		}
	}

	var observer notify.Observer
	if cfg.MQTT.Enabled {
		s.client = deps.MQTTClient
		if s.client == nil {
			client, err := broker.NewClient(broker.Options{
				Broker:   cfg.MQTT.Broker,
				ClientID: fmt.Sprintf("fluocam-%s", cfg.InstanceID),
			})
			if err != nil {
				return nil, err
			}
			s.client = client
		}

		events, err := notify.NewMQTTObserver(s.client, notify.MQTTConfig{
			Topic:        cfg.MQTT.Topics.Events,
			QoS:          cfg.MQTT.QoS["events"],
			DisplayEvery: cfg.MQTT.DisplayEventEvery,
		})
		if err != nil {
			return nil, err
		}
		s.events = events
		observer = events
	}

	scope, err := core.New(cfg, src, observer)
	if err != nil {
		return nil, err
	}
	s.scope = scope

	if cfg.HTTP.Enabled {
		srv, err := api.New(scope, api.Options{
			Listen:         cfg.HTTP.Listen,
			PreviewMaxSize: cfg.HTTP.PreviewMaxSize,
		})
		if err != nil {
			return nil, err
		}
		s.api = srv
	}

	slog.Info("daemon: service created",
		"instance_id", cfg.InstanceID,
		"source", cfg.Camera.Source,
		"mqtt", cfg.MQTT.Enabled,
		"http", cfg.HTTP.Enabled,
	)
	return s, nil
}

func newSource(cfg *config.Config) (framesource.Source, error) {
	switch cfg.Camera.Source {
	case "synthetic":
		return framesource.NewSynthetic(framesource.SyntheticConfig{
			Geometry: cfg.Geometry(),
			FPS:      cfg.Camera.FPS,
		})
	case "gstreamer":
		return gstcam.New(gstcam.Config{
			SourceElement: cfg.Camera.Element,
			Device:        cfg.Camera.Device,
			Geometry:      cfg.Geometry(),
			FPS:           cfg.Camera.FPS,
		})
	default:
		return nil, fmt.Errorf("daemon: unknown camera source %q", cfg.Camera.Source)
	}
}

// Microscope returns the core instance
func (s *Service) Microscope() *core.Microscope {
	return s.scope
}

// Run connects the camera, starts live streaming and every enabled surface,
// then blocks until ctx is cancelled or a shutdown command arrives
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	s.running = true
	s.mu.Unlock()
	defer cancel()

	if err := s.scope.Connect(ctx); err != nil {
		return fmt.Errorf("daemon: connect camera: %w", err)
	}
	if err := s.scope.StartLive(ctx); err != nil {
		return fmt.Errorf("daemon: start live: %w", err)
	}

	if s.client != nil {
		if err := broker.Dial(ctx, s.client, 0); err != nil {
			return fmt.Errorf("daemon: connect mqtt: %w", err)
		}
		// Stopped explicitly in Shutdown, after the last save notification
		s.events.Start(context.Background())

		handler, err := control.NewHandler(s.client, control.Topics{
			Control: s.cfg.MQTT.Topics.Control,
			Status:  s.cfg.MQTT.Topics.Status,
		}, s.cfg.MQTT.QoS["control"], s.callbacks(ctx))
		if err != nil {
			return err
		}
		if err := handler.Start(ctx); err != nil {
			return fmt.Errorf("daemon: start control plane: %w", err)
		}
		s.control = handler
	}

	if s.api != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.api.Run(ctx); err != nil {
				slog.Error("daemon: http server failed", "error", err)
			}
		}()
	}

	if s.configPath != "" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			err := config.Watch(ctx, s.configPath, func(cfg *config.Config) {
				if err := s.scope.ApplyConfig(cfg); err != nil {
					slog.Warn("daemon: config reload not applied", "error", err)
				}
			})
			if err != nil {
				slog.Warn("daemon: config hot-reload disabled", "error", err)
			}
		}()
	}

	slog.Info("daemon: service running")
	<-ctx.Done()
	slog.Info("daemon: run loop exiting")
	return nil
}

// callbacks maps control commands onto the microscope. ctx bounds live
// streaming and saves started from the control plane.
func (s *Service) callbacks(ctx context.Context) control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus: s.scope.StatusMap,
		OnStartLive: func() error {
			return s.scope.StartLive(ctx)
		},
		OnStopLive: s.scope.StopLive,
		OnCapture: func() (map[string]interface{}, error) {
			return s.captureToDisk(ctx)
		},
		OnStartRecording: func(frames int) (map[string]interface{}, error) {
			id, err := s.scope.StartRecording(frames)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"session_id": id}, nil
		},
		OnStopRecording: func(persist bool) (map[string]interface{}, error) {
			id, err := s.scope.StopRecording(persist)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"session_id": id, "persisted": persist}, nil
		},
		OnSave: func() (map[string]interface{}, error) {
			res, err := s.scope.Save(ctx)
			if res == nil {
				return nil, err
			}
			return map[string]interface{}{
				"session_id": res.SessionID,
				"saved":      res.Saved,
				"failed":     res.Failed,
				"skipped":    res.Skipped,
				"folder":     res.Folder,
				"manifest":   res.ManifestPath,
			}, err
		},
		OnSetDisplayInterval: s.scope.SetDisplayInterval,
		OnSetTriggerMode:     s.scope.SetTriggerMode,
		OnShutdown:           s.shutdownViaControl,
	}
}

// captureToDisk snaps one frame and writes it next to the recordings
func (s *Service) captureToDisk(ctx context.Context) (map[string]interface{}, error) {
	f, err := s.scope.Capture(ctx)
	if err != nil {
		return nil, err
	}

	format, err := recording.ParseFormat(s.cfg.Recording.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.cfg.Recording.Folder, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: create capture folder: %w", err)
	}
	path := filepath.Join(s.cfg.Recording.Folder, recording.FileName(s.cfg.Recording.Prefix+"_snap", time.Now(), format))
	if err := recording.WriteFile(path, f, format); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"path":     path,
		"width":    f.Width,
		"height":   f.Height,
		"geometry": f.Geometry().String(),
	}, nil
}

// shutdownViaControl cancels Run; the caller then runs Shutdown
func (s *Service) shutdownViaControl() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancelRun == nil {
		return fmt.Errorf("service not running")
	}
	s.cancelRun()
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (s *Service) ShutdownTimeout() time.Duration {
	return s.scope.ShutdownTimeout()
}

// Shutdown stops every component in reverse start order. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.mu.Unlock()

	slog.Info("daemon: shutting down")

	// 1. Control plane first: no new commands
	if s.control != nil {
		if err := s.control.Stop(); err != nil {
			slog.Error("daemon: failed to stop control handler", "error", err)
		}
	}

	// 2. Camera, live loop and pending saves
	err := s.scope.Shutdown(ctx)

	// 3. HTTP server and config watcher exit on the cancelled run context
	s.wg.Wait()

	// 4. Events last
	if s.events != nil {
		s.events.Stop()
	}
	broker.Disconnect(s.client)

	slog.Info("daemon: shutdown complete")
	return err
}
