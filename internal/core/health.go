package core

import "time"

const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthStatus represents the health state of the microscope service
type HealthStatus struct {
	Status          string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64   `json:"uptime_seconds"`
	CameraConnected bool    `json:"camera_connected"`
	Live            bool    `json:"live"`
	FramesAcquired  uint64  `json:"frames_acquired"`
	SkipRate        float64 `json:"skip_rate"`
	LastSaveError   string  `json:"last_save_error,omitempty"`
}

// HealthCheck returns the current health status
//
// Unhealthy without a connected camera, degraded when live streaming is off
// or more than a tenth of frames are skipped.
func (m *Microscope) HealthCheck() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := HealthStatus{
		Status:          HealthHealthy,
		UptimeSeconds:   int64(time.Since(m.started).Seconds()),
		CameraConnected: m.connected && !m.closed,
	}
	if m.lastSaveErr != nil {
		h.LastSaveError = m.lastSaveErr.Error()
	}

	if m.loop != nil {
		ls := m.loop.Stats()
		h.Live = ls.Running
		h.FramesAcquired = ls.FramesAcquired
		if total := ls.FramesAcquired + ls.FramesSkipped; total > 0 {
			h.SkipRate = float64(ls.FramesSkipped) / float64(total)
		}
	}

	switch {
	case !h.CameraConnected:
		h.Status = HealthUnhealthy
	case !h.Live || h.SkipRate > 0.1:
		h.Status = HealthDegraded
	}
	return h
}
