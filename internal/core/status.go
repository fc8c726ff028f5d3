package core

import (
	"sort"
	"time"

	"github.com/e7canasta/fluo-camera/internal/acquisition"
	"github.com/e7canasta/fluo-camera/internal/display"
	"github.com/e7canasta/fluo-camera/internal/types"
)

// RecordingStatus describes the capture session and the last save
type RecordingStatus struct {
	SessionID string `json:"session_id,omitempty"`
	Active    bool   `json:"active"`
	Filled    int    `json:"filled"`
	Target    int    `json:"target"`
	Completed uint64 `json:"completed"`
	Pending   string `json:"pending,omitempty"`

	Saving       bool   `json:"saving"`
	SaveTotal    int    `json:"save_total,omitempty"`
	SaveDone     int    `json:"save_done,omitempty"`
	SaveFailed   int    `json:"save_failed,omitempty"`
	LastSaved    string `json:"last_saved_session,omitempty"`
	LastSaveDir  string `json:"last_save_folder,omitempty"`
	LastSaveErr  string `json:"last_save_error,omitempty"`
	LastSaveSize int    `json:"last_save_frames,omitempty"`
}

// LoopStatus mirrors acquisition.Stats for JSON output
type LoopStatus struct {
	FramesAcquired   uint64 `json:"frames_acquired"`
	FramesSkipped    uint64 `json:"frames_skipped"`
	LockErrors       uint64 `json:"lock_errors"`
	WaitTimeouts     uint64 `json:"wait_timeouts"`
	WaitErrors       uint64 `json:"wait_errors"`
	SessionFrames    uint64 `json:"session_frames"`
	DisplayPublished uint64 `json:"display_published"`
	RingCursor       int    `json:"ring_cursor"`
}

// Status is a snapshot of the microscope for the control plane and HTTP API
type Status struct {
	InstanceID      string                  `json:"instance_id"`
	UptimeS         float64                 `json:"uptime_s"`
	Connected       bool                    `json:"connected"`
	ConnectFailures uint32                  `json:"connect_failures"`
	Live            bool                    `json:"live"`
	Capturing       bool                    `json:"capturing"`
	Captures        uint64                  `json:"captures"`
	TriggerMode     types.TriggerMode       `json:"trigger_mode"`
	DisplayInterval int                     `json:"display_interval"`
	AutoSave        bool                    `json:"auto_save"`
	Geometry        string                  `json:"geometry,omitempty"`
	DisplaySeq      uint64                  `json:"display_seq"`
	Consumers       []display.ConsumerStats `json:"display_consumers,omitempty"`
	Loop            *LoopStatus             `json:"loop,omitempty"`
	Recording       RecordingStatus         `json:"recording"`
}

// Status returns the current microscope status
func (m *Microscope) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		InstanceID:      m.cfg.InstanceID,
		UptimeS:         time.Since(m.started).Seconds(),
		Connected:       m.connected,
		ConnectFailures: m.connectAttempts,
		Capturing:       m.capturing,
		Captures:        m.captures,
		TriggerMode:     m.trigger,
		DisplayInterval: m.interval,
		AutoSave:        m.autoSave.Load(),
	}

	ds := m.display.Stats()
	st.DisplaySeq = ds.LatestSeq
	for _, cs := range ds.Consumers {
		st.Consumers = append(st.Consumers, cs)
	}
	sort.Slice(st.Consumers, func(i, j int) bool { return st.Consumers[i].ID < st.Consumers[j].ID })

	if m.loop != nil {
		ls := m.loop.Stats()
		st.Live = ls.Running
		st.Geometry = m.loop.Geometry().String()
		st.Loop = loopStatus(ls)
	}

	filled, target, active := m.session.Progress()
	st.Recording = RecordingStatus{
		SessionID: m.session.ID(),
		Active:    active,
		Filled:    filled,
		Target:    target,
		Completed: m.session.Completed(),
	}
	if m.pending != nil {
		st.Recording.Pending = m.pending.ID()
	}
	if m.pool != nil {
		p := m.pool.Progress()
		st.Recording.Saving = true
		st.Recording.SaveTotal = p.Total
		st.Recording.SaveDone = p.Saved
		st.Recording.SaveFailed = p.Failed
	}
	if m.lastSave != nil {
		st.Recording.LastSaved = m.lastSave.SessionID
		st.Recording.LastSaveDir = m.lastSave.Folder
		st.Recording.LastSaveSize = m.lastSave.Saved
	}
	if m.lastSaveErr != nil {
		st.Recording.LastSaveErr = m.lastSaveErr.Error()
	}
	return st
}

func loopStatus(s acquisition.Stats) *LoopStatus {
	return &LoopStatus{
		FramesAcquired:   s.FramesAcquired,
		FramesSkipped:    s.FramesSkipped,
		LockErrors:       s.LockErrors,
		WaitTimeouts:     s.WaitTimeouts,
		WaitErrors:       s.WaitErrors,
		SessionFrames:    s.SessionFrames,
		DisplayPublished: s.DisplayPublished,
		RingCursor:       s.RingCursor,
	}
}

// StatusMap returns Status as a generic map for MQTT responses
func (m *Microscope) StatusMap() map[string]interface{} {
	st := m.Status()
	out := map[string]interface{}{
		"instance_id":       st.InstanceID,
		"uptime_s":          st.UptimeS,
		"connected":         st.Connected,
		"live":              st.Live,
		"capturing":         st.Capturing,
		"captures":          st.Captures,
		"trigger_mode":      string(st.TriggerMode),
		"display_interval":  st.DisplayInterval,
		"auto_save":         st.AutoSave,
		"display_seq":       st.DisplaySeq,
		"display_consumers": len(st.Consumers),
		"recording": map[string]interface{}{
			"session_id": st.Recording.SessionID,
			"active":     st.Recording.Active,
			"filled":     st.Recording.Filled,
			"target":     st.Recording.Target,
			"completed":  st.Recording.Completed,
			"pending":    st.Recording.Pending,
			"saving":     st.Recording.Saving,
		},
	}
	if st.Loop != nil {
		out["geometry"] = st.Geometry
		out["loop"] = map[string]interface{}{
			"frames_acquired":   st.Loop.FramesAcquired,
			"frames_skipped":    st.Loop.FramesSkipped,
			"display_published": st.Loop.DisplayPublished,
			"session_frames":    st.Loop.SessionFrames,
			"wait_timeouts":     st.Loop.WaitTimeouts,
		}
	}
	return out
}
