package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/fluo-camera/internal/broker"
)

const (
	defaultShutdownDelay = 500 * time.Millisecond
	subscribeTimeout     = 5 * time.Second
	commandQueueSize     = 10
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Topics names the control and response topics
type Topics struct {
	Control string
	Status  string
}

// CommandCallbacks contains callback functions for commands
//
// A nil callback makes its command answer "not implemented".
type CommandCallbacks struct {
	OnGetStatus          func() map[string]interface{}
	OnStartLive          func() error
	OnStopLive           func() error
	OnCapture            func() (map[string]interface{}, error)
	OnStartRecording     func(frames int) (map[string]interface{}, error)
	OnStopRecording      func(persist bool) (map[string]interface{}, error)
	OnSave               func() (map[string]interface{}, error)
	OnSetDisplayInterval func(interval int) error
	OnSetTriggerMode     func(mode string) error
	OnShutdown           func() error
}

// Handler handles control plane commands
//
// Messages are parsed on the MQTT client goroutine and queued; commands run
// one at a time on the handler goroutine.
type Handler struct {
	client    mqtt.Client
	topics    Topics
	qos       byte
	callbacks CommandCallbacks
	commands  chan Command

	// shutdownDelay lets the response leave before OnShutdown runs
	shutdownDelay time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a new control plane handler
func NewHandler(client mqtt.Client, topics Topics, qos byte, callbacks CommandCallbacks) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("control: mqtt client is required")
	}
	if topics.Control == "" || topics.Status == "" {
		return nil, fmt.Errorf("control: control and status topics are required")
	}
	return &Handler{
		client:        client,
		topics:        topics,
		qos:           qos,
		callbacks:     callbacks,
		commands:      make(chan Command, commandQueueSize),
		shutdownDelay: defaultShutdownDelay,
	}, nil
}

// Start subscribes to the control topic and starts processing commands
func (h *Handler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return fmt.Errorf("control: handler already started")
	}

	slog.Info("control: subscribing", "topic", h.topics.Control, "qos", h.qos)

	token := h.client.Subscribe(h.topics.Control, h.qos, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and waits for the command goroutine. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel == nil {
		return nil
	}

	if h.client.IsConnected() {
		token := h.client.Unsubscribe(h.topics.Control)
		token.WaitTimeout(subscribeTimeout)
	}
	h.cancel()
	h.wg.Wait()
	h.cancel = nil

	slog.Info("control: handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes its response
func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}
	cb := h.callbacks

	switch cmd.Command {
	case "get_status":
		if cb.OnGetStatus == nil {
			notImplemented(&resp)
			break
		}
		succeed(&resp, cb.OnGetStatus())

	case "start_live":
		if cb.OnStartLive == nil {
			notImplemented(&resp)
			break
		}
		finish(&resp, map[string]interface{}{"live": true}, cb.OnStartLive())

	case "stop_live":
		if cb.OnStopLive == nil {
			notImplemented(&resp)
			break
		}
		finish(&resp, map[string]interface{}{"live": false}, cb.OnStopLive())

	case "capture":
		if cb.OnCapture == nil {
			notImplemented(&resp)
			break
		}
		data, err := cb.OnCapture()
		finish(&resp, data, err)

	case "start_recording":
		if cb.OnStartRecording == nil {
			notImplemented(&resp)
			break
		}
		frames := 0 // 0 selects the configured session size
		if _, ok := cmd.Params["frames"]; ok {
			n, err := intParam(cmd.Params, "frames")
			if err != nil {
				fail(&resp, err)
				break
			}
			frames = n
		}
		data, err := cb.OnStartRecording(frames)
		finish(&resp, data, err)

	case "stop_recording":
		if cb.OnStopRecording == nil {
			notImplemented(&resp)
			break
		}
		persist, _ := cmd.Params["persist"].(bool)
		data, err := cb.OnStopRecording(persist)
		finish(&resp, data, err)

	case "save":
		if cb.OnSave == nil {
			notImplemented(&resp)
			break
		}
		data, err := cb.OnSave()
		finish(&resp, data, err)

	case "set_display_interval":
		if cb.OnSetDisplayInterval == nil {
			notImplemented(&resp)
			break
		}
		d, err := intParam(cmd.Params, "interval")
		if err != nil {
			fail(&resp, err)
			break
		}
		finish(&resp, map[string]interface{}{"display_interval": d}, cb.OnSetDisplayInterval(d))

	case "set_trigger_mode":
		if cb.OnSetTriggerMode == nil {
			notImplemented(&resp)
			break
		}
		mode, ok := cmd.Params["mode"].(string)
		if !ok {
			fail(&resp, fmt.Errorf("missing or invalid 'mode' parameter (expected string)"))
			break
		}
		finish(&resp, map[string]interface{}{"trigger_mode": mode}, cb.OnSetTriggerMode(mode))

	case "shutdown":
		if cb.OnShutdown == nil {
			notImplemented(&resp)
			break
		}
		slog.Warn("control: shutdown command received")
		succeed(&resp, map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		})
		// Respond before triggering shutdown
		h.sendResponse(resp)
		go func() {
			time.Sleep(h.shutdownDelay)
			if err := cb.OnShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		fail(&resp, fmt.Errorf("unknown command: %s", cmd.Command))
	}

	h.sendResponse(resp)
}

func succeed(resp *Response, data map[string]interface{}) {
	resp.Status = "success"
	resp.Data = data
}

func fail(resp *Response, err error) {
	resp.Status = "error"
	resp.Error = err.Error()
}

func finish(resp *Response, data map[string]interface{}, err error) {
	if err != nil {
		fail(resp, err)
		return
	}
	succeed(resp, data)
}

func notImplemented(resp *Response) {
	resp.Status = "error"
	resp.Error = resp.CommandAck + " not implemented"
}

// intParam extracts a whole JSON number
func intParam(params map[string]interface{}, key string) (int, error) {
	v, ok := params[key].(float64)
	if !ok || v != math.Trunc(v) {
		return 0, fmt.Errorf("missing or invalid '%s' parameter (expected integer)", key)
	}
	return int(v), nil
}

// sendResponse publishes a response to the status topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	if err := broker.Publish(h.client, h.topics.Status, h.qos, payload); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
