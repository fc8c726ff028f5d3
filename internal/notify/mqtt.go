package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/fluo-camera/internal/broker"
	"github.com/e7canasta/fluo-camera/internal/types"
)

const (
	// Event types published on the events topic
	EventFrameReady        = "frame_ready"
	EventRecordingFinished = "recording_finished"
	EventFrameSaved        = "frame_saved"

	defaultQueueSize = 256
)

// Event is the JSON payload published for every notification
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`

	// frame_ready
	Seq       uint64 `json:"seq,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	PixelType string `json:"pixel_type,omitempty"`

	// frame_saved
	Index  int    `json:"index,omitempty"`
	Path   string `json:"path,omitempty"`
	Worker int    `json:"worker,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MQTTConfig configures the MQTT observer
type MQTTConfig struct {
	Topic string
	QoS   byte
	// DisplayEvery publishes one frame_ready event per this many display
	// notifications (0 disables frame_ready events)
	DisplayEvery int
	QueueSize    int
}

// MQTTObserver publishes notifications as JSON events
//
// Observer methods only enqueue; a single goroutine publishes. When the
// queue is full the event is dropped and counted, so the acquisition loop
// never waits on the network.
type MQTTObserver struct {
	cfg    MQTTConfig
	client mqtt.Client
	queue  chan Event

	displaySeen atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTObserver creates an observer publishing through client
func NewMQTTObserver(client mqtt.Client, cfg MQTTConfig) (*MQTTObserver, error) {
	if client == nil {
		return nil, fmt.Errorf("notify: mqtt client is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("notify: events topic is required")
	}
	if cfg.DisplayEvery < 0 {
		return nil, fmt.Errorf("notify: invalid display_every %d", cfg.DisplayEvery)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &MQTTObserver{
		cfg:    cfg,
		client: client,
		queue:  make(chan Event, cfg.QueueSize),
	}, nil
}

// Start launches the publishing goroutine
func (o *MQTTObserver) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go o.publishLoop(ctx)

	slog.Info("notify: mqtt observer started", "topic", o.cfg.Topic, "display_every", o.cfg.DisplayEvery)
}

// Stop ends the publishing goroutine and discards queued events. Idempotent.
func (o *MQTTObserver) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return
	}
	o.cancel()
	o.wg.Wait()
	o.cancel = nil

	slog.Info("notify: mqtt observer stopped",
		"published", o.published.Load(),
		"dropped", o.dropped.Load(),
		"errors", o.errors.Load(),
	)
}

func (o *MQTTObserver) publishLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.queue:
			o.publish(ev)
		}
	}
}

func (o *MQTTObserver) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		o.errors.Add(1)
		slog.Error("notify: failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	if err := broker.Publish(o.client, o.cfg.Topic, o.cfg.QoS, payload); err != nil {
		o.errors.Add(1)
		slog.Debug("notify: publish failed", "type", ev.Type, "error", err)
		return
	}
	o.published.Add(1)
}

func (o *MQTTObserver) enqueue(ev Event) {
	ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	select {
	case o.queue <- ev:
	default:
		o.dropped.Add(1)
	}
}

func (o *MQTTObserver) FrameReadyForDisplay(slot *types.Frame, width, height int, pixelType types.PixelType) {
	if o.cfg.DisplayEvery == 0 {
		return
	}
	n := o.displaySeen.Add(1) - 1
	if n%uint64(o.cfg.DisplayEvery) != 0 {
		return
	}
	// Metadata only; the slot itself is reused after K-1 publishes
	o.enqueue(Event{
		Type:      EventFrameReady,
		Seq:       slot.Seq,
		Width:     width,
		Height:    height,
		PixelType: pixelType.String(),
	})
}

func (o *MQTTObserver) RecordingSessionFinished(sessionID string) {
	o.enqueue(Event{Type: EventRecordingFinished, SessionID: sessionID})
}

func (o *MQTTObserver) FrameSaved(ev SavedFrame) {
	e := Event{
		Type:      EventFrameSaved,
		SessionID: ev.SessionID,
		Index:     ev.Index,
		Path:      ev.Path,
		Worker:    ev.Worker,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	o.enqueue(e)
}

// MQTTStats contains observer statistics
type MQTTStats struct {
	Published uint64
	Dropped   uint64
	Errors    uint64
	Queued    int
}

// Stats returns observer statistics
func (o *MQTTObserver) Stats() MQTTStats {
	return MQTTStats{
		Published: o.published.Load(),
		Dropped:   o.dropped.Load(),
		Errors:    o.errors.Load(),
		Queued:    len(o.queue),
	}
}
