package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// ManifestEntry describes one frame of a saved session
type ManifestEntry struct {
	Index     int    `msgpack:"index"`
	File      string `msgpack:"file"`
	Timestamp int64  `msgpack:"ts_us"`
	Worker    int    `msgpack:"worker"`
	Error     string `msgpack:"error,omitempty"`
}

// Manifest lists the files written for a session
type Manifest struct {
	ID        string          `msgpack:"id"`
	SessionID string          `msgpack:"session_id"`
	CreatedAt int64           `msgpack:"created_at_us"`
	Width     int             `msgpack:"width"`
	Height    int             `msgpack:"height"`
	PixelType string          `msgpack:"pixel_type"`
	Format    string          `msgpack:"format"`
	Saved     int             `msgpack:"saved"`
	Failed    int             `msgpack:"failed"`
	Skipped   int             `msgpack:"skipped"`
	FPSMean   float64         `msgpack:"fps_mean"`
	Frames    []ManifestEntry `msgpack:"frames"`
}

// ManifestName returns the manifest file name for a session
func ManifestName(prefix, sessionID string) string {
	return fmt.Sprintf("%s_%s.manifest.msgpack", prefix, sessionID)
}

func (p *Pool) writeManifest(res *Result) (string, error) {
	g := p.buf.Geometry()
	m := Manifest{
		ID:        uuid.NewString(),
		SessionID: res.SessionID,
		CreatedAt: time.Now().UnixMicro(),
		Width:     g.Width,
		Height:    g.Height,
		PixelType: g.PixelType.String(),
		Format:    res.Format.String(),
		Saved:     res.Saved,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
		FPSMean:   res.FrameRate.FPSMean,
	}
	for _, w := range p.workers {
		m.Frames = append(m.Frames, w.entries...)
	}
	sort.Slice(m.Frames, func(i, j int) bool { return m.Frames[i].Index < m.Frames[j].Index })

	data, err := msgpack.Marshal(&m)
	if err != nil {
		return "", fmt.Errorf("recording: encode manifest: %w", err)
	}
	path := filepath.Join(p.opts.Folder, ManifestName(p.opts.Prefix, res.SessionID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("recording: write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads a manifest written by a save
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recording: read manifest: %w", err)
	}
	var m Manifest
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("recording: decode manifest: %w", err)
	}
	return &m, nil
}
