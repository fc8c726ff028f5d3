package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/e7canasta/fluo-camera/internal/broker/brokertest"
	"github.com/e7canasta/fluo-camera/internal/config"
	"github.com/e7canasta/fluo-camera/internal/control"
	"github.com/e7canasta/fluo-camera/internal/notify"
)

const (
	controlTopic = "fluo/control/daemon-test"
	statusTopic  = "fluo/status/daemon-test"
	eventsTopic  = "fluo/events/daemon-test"
)

func testConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
instance_id: daemon-test
camera:
  width: 16
  height: 8
  fps: 300
recording:
  frames: 3
  folder: %q
  format: png
mqtt:
  enabled: true
  broker: localhost:1883
`, dir)))
	if err != nil {
		t.Fatalf("config.Parse failed: %v", err)
	}
	return cfg, dir
}

type harness struct {
	svc    *Service
	client *brokertest.Client
	runErr chan error
}

func start(t *testing.T) (*harness, string) {
	t.Helper()
	cfg, dir := testConfig(t)
	client := brokertest.NewClient()

	svc, err := NewWithConfig(cfg, "", Deps{MQTTClient: client})
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}

	h := &harness{svc: svc, client: client, runErr: make(chan error, 1)}
	go func() { h.runErr <- svc.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	deadline := time.Now().Add(3 * time.Second)
	for !client.Subscribed(controlTopic) {
		if time.Now().After(deadline) {
			t.Fatal("control topic never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h, dir
}

// send delivers a command and returns its response from the status topic
func (h *harness) send(t *testing.T, cmd control.Command) control.Response {
	t.Helper()
	before := len(h.responses())

	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !h.client.Deliver(controlTopic, payload) {
		t.Fatal("no control handler subscribed")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if rs := h.responses(); len(rs) > before {
			return rs[before]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no response to %s", cmd.Command)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) responses() []control.Response {
	var out []control.Response
	for _, m := range h.client.Published() {
		if m.Topic() != statusTopic {
			continue
		}
		var r control.Response
		if err := json.Unmarshal(m.Payload(), &r); err == nil {
			out = append(out, r)
		}
	}
	return out
}

func (h *harness) events(kind string) []notify.Event {
	var out []notify.Event
	for _, m := range h.client.Published() {
		if m.Topic() != eventsTopic {
			continue
		}
		var ev notify.Event
		if err := json.Unmarshal(m.Payload(), &ev); err == nil && ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestStatusOverMQTT(t *testing.T) {
	h, _ := start(t)

	resp := h.send(t, control.Command{Command: "get_status"})
	if resp.Status != "success" || resp.Data["live"] != true || resp.Data["instance_id"] != "daemon-test" {
		t.Errorf("get_status = %+v", resp)
	}
}

func TestRecordAndSaveOverMQTT(t *testing.T) {
	h, dir := start(t)

	resp := h.send(t, control.Command{Command: "start_recording", Params: map[string]interface{}{"frames": 3}})
	if resp.Status != "success" {
		t.Fatalf("start_recording = %+v", resp)
	}
	id, _ := resp.Data["session_id"].(string)

	deadline := time.Now().Add(3 * time.Second)
	for len(h.events(notify.EventRecordingFinished)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no recording_finished event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp = h.send(t, control.Command{Command: "save"})
	if resp.Status != "success" || resp.Data["session_id"] != id || resp.Data["saved"] != float64(3) {
		t.Fatalf("save = %+v", resp)
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil || len(files) != 3 {
		t.Errorf("png files = %v (%v), want 3", files, err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for len(h.events(notify.EventFrameSaved)) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("frame_saved events = %d, want 3", len(h.events(notify.EventFrameSaved)))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCaptureOverMQTT(t *testing.T) {
	h, _ := start(t)

	if resp := h.send(t, control.Command{Command: "capture"}); resp.Status != "error" {
		t.Errorf("capture while live = %+v, want error", resp)
	}
	if resp := h.send(t, control.Command{Command: "stop_live"}); resp.Status != "success" {
		t.Fatalf("stop_live = %+v", resp)
	}

	resp := h.send(t, control.Command{Command: "capture"})
	if resp.Status != "success" {
		t.Fatalf("capture = %+v", resp)
	}
	path, _ := resp.Data["path"].(string)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("captured file: %v", err)
	}
}

func TestShutdownCommandEndsRun(t *testing.T) {
	h, _ := start(t)

	resp := h.send(t, control.Command{Command: "shutdown"})
	if resp.Status != "success" {
		t.Fatalf("shutdown = %+v", resp)
	}

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after shutdown command")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	if h.client.IsConnected() {
		t.Error("mqtt client still connected after shutdown")
	}
}

func TestUnknownSource(t *testing.T) {
	cfg, _ := testConfig(t)
	cfg.Camera.Source = "firewire"
	if _, err := NewWithConfig(cfg, "", Deps{}); err == nil {
		t.Error("unknown camera source should fail")
	}
}
