package control

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/fluo-camera/internal/broker/brokertest"
)

var testTopics = Topics{Control: "fluo/control/t", Status: "fluo/status/t"}

func startHandler(t *testing.T, cb CommandCallbacks) (*Handler, *brokertest.Client) {
	t.Helper()
	client := brokertest.NewClient()
	h, err := NewHandler(client, testTopics, 1, cb)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	h.shutdownDelay = time.Millisecond
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	return h, client
}

// send delivers a command and returns the nth response published
func send(t *testing.T, client *brokertest.Client, payload string, n int) Response {
	t.Helper()
	if !client.Deliver(testTopics.Control, []byte(payload)) {
		t.Fatal("handler not subscribed to control topic")
	}
	msgs := client.WaitPublished(n, 2*time.Second)
	if len(msgs) < n {
		t.Fatalf("got %d responses, want %d", len(msgs), n)
	}
	m := msgs[n-1]
	if m.Topic() != testTopics.Status {
		t.Errorf("response on %s, want %s", m.Topic(), testTopics.Status)
	}
	var resp Response
	if err := json.Unmarshal(m.Payload(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	return resp
}

func TestCommands(t *testing.T) {
	var (
		liveStarted bool
		frames      int
		persist     bool
		interval    int
		mode        string
	)
	cb := CommandCallbacks{
		OnGetStatus: func() map[string]interface{} { return map[string]interface{}{"live": false} },
		OnStartLive: func() error { liveStarted = true; return nil },
		OnStopLive:  func() error { return errors.New("not live") },
		OnStartRecording: func(n int) (map[string]interface{}, error) {
			frames = n
			return map[string]interface{}{"session_id": "s1"}, nil
		},
		OnStopRecording: func(p bool) (map[string]interface{}, error) {
			persist = p
			return nil, nil
		},
		OnSetDisplayInterval: func(d int) error { interval = d; return nil },
		OnSetTriggerMode:     func(m string) error { mode = m; return nil },
	}
	_, client := startHandler(t, cb)

	tests := []struct {
		payload string
		status  string
		errText string
	}{
		{`{"command":"get_status"}`, "success", ""},
		{`{"command":"start_live"}`, "success", ""},
		{`{"command":"stop_live"}`, "error", "not live"},
		{`{"command":"start_recording","params":{"frames":25}}`, "success", ""},
		{`{"command":"start_recording","params":{"frames":2.5}}`, "error", "missing or invalid 'frames' parameter (expected integer)"},
		{`{"command":"stop_recording","params":{"persist":true}}`, "success", ""},
		{`{"command":"set_display_interval","params":{"interval":4}}`, "success", ""},
		{`{"command":"set_display_interval"}`, "error", "missing or invalid 'interval' parameter (expected integer)"},
		{`{"command":"set_trigger_mode","params":{"mode":"external"}}`, "success", ""},
		{`{"command":"capture"}`, "error", "capture not implemented"},
		{`{"command":"warp_speed"}`, "error", "unknown command: warp_speed"},
		{`not json`, "error", "invalid JSON"},
	}

	for i, tt := range tests {
		resp := send(t, client, tt.payload, i+1)
		if resp.Status != tt.status || resp.Error != tt.errText {
			t.Errorf("%s -> status %q error %q, want %q %q", tt.payload, resp.Status, resp.Error, tt.status, tt.errText)
		}
		if resp.Timestamp == "" {
			t.Errorf("%s -> missing timestamp", tt.payload)
		}
	}

	if !liveStarted || frames != 25 || !persist || interval != 4 || mode != "external" {
		t.Errorf("callbacks saw live=%v frames=%d persist=%v interval=%d mode=%q",
			liveStarted, frames, persist, interval, mode)
	}
}

func TestStartRecordingDefaultFrames(t *testing.T) {
	got := -1
	_, client := startHandler(t, CommandCallbacks{
		OnStartRecording: func(n int) (map[string]interface{}, error) { got = n; return nil, nil },
	})

	resp := send(t, client, `{"command":"start_recording"}`, 1)
	if resp.Status != "success" || got != 0 {
		t.Errorf("status %q frames %d, want success and 0", resp.Status, got)
	}
}

// TestShutdownRespondsFirst checks that the shutdown response is published
// before the callback runs.
func TestShutdownRespondsFirst(t *testing.T) {
	called := make(chan int, 1)
	var client *brokertest.Client
	_, client = startHandler(t, CommandCallbacks{
		OnShutdown: func() error {
			called <- len(client.Published())
			return nil
		},
	})

	resp := send(t, client, `{"command":"shutdown"}`, 1)
	if resp.Status != "success" {
		t.Fatalf("status = %q", resp.Status)
	}
	select {
	case n := <-called:
		if n != 1 {
			t.Errorf("callback saw %d published responses, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback not called")
	}
}

func TestStopIdempotent(t *testing.T) {
	h, client := startHandler(t, CommandCallbacks{})
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := h.Stop(); err != nil {
		t.Errorf("second Stop = %v", err)
	}
	if client.Subscribed(testTopics.Control) {
		t.Error("control topic still subscribed after Stop")
	}
}

func TestNewHandlerValidation(t *testing.T) {
	if _, err := NewHandler(nil, testTopics, 0, CommandCallbacks{}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := NewHandler(brokertest.NewClient(), Topics{}, 0, CommandCallbacks{}); err == nil {
		t.Error("expected error for empty topics")
	}
}
