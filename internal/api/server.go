// Package api serves the microscope status and health endpoints, PNG
// previews of the display frames and a small control surface over HTTP.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/fluo-camera/internal/core"
	"github.com/e7canasta/fluo-camera/internal/display"
	"github.com/e7canasta/fluo-camera/internal/recording"
	"github.com/e7canasta/fluo-camera/internal/session"
	"github.com/e7canasta/fluo-camera/internal/types"
)

const shutdownTimeout = 5 * time.Second

// Microscope is the part of core.Microscope the API drives
type Microscope interface {
	Status() core.Status
	HealthCheck() core.HealthStatus
	Display() *display.Supplier
	StartLive(ctx context.Context) error
	StopLive() error
	Capture(ctx context.Context) (*types.Frame, error)
	StartRecording(frames int) (string, error)
	StopRecording(persist bool) (string, error)
	Save(ctx context.Context) (*recording.Result, error)
	SetDisplayInterval(d int) error
	SetTriggerMode(mode string) error
}

// Options configures the HTTP server
type Options struct {
	Listen         string
	PreviewMaxSize int
}

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Server is the HTTP front of one microscope
type Server struct {
	scope   Microscope
	opts    Options
	engine  *gin.Engine
	started time.Time

	httpServer *http.Server
}

// New builds the router. The server does not listen until Run.
func New(scope Microscope, opts Options) (*Server, error) {
	if scope == nil {
		return nil, fmt.Errorf("api: microscope is required")
	}
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		scope:   scope,
		opts:    opts,
		engine:  engine,
		started: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Listen,
		Handler:      engine,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/readiness", s.handleReadiness)
	s.engine.GET("/status", s.handleStatus)
	s.engine.GET("/preview.png", s.handlePreview)
	s.engine.GET("/preview/stream", s.handlePreviewStream)

	s.engine.POST("/live/start", s.handleStartLive)
	s.engine.POST("/live/stop", s.handleStopLive)
	s.engine.POST("/capture", s.handleCapture)

	s.engine.POST("/recordings", s.handleStartRecording)
	s.engine.DELETE("/recordings/current", s.handleStopRecording)
	s.engine.POST("/recordings/save", s.handleSave)

	s.engine.PUT("/display/interval", s.handleSetInterval)
	s.engine.PUT("/trigger-mode", s.handleSetTriggerMode)
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: http server listening", "addr", s.opts.Listen)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	slog.Info("api: http server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(c *gin.Context) {
	health := s.scope.HealthCheck()
	code := http.StatusOK
	if health.Status == core.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.scope.Status())
}

// handlePreview renders the latest display frame. Optional low/high query
// parameters fix the display range.
func (s *Server) handlePreview(c *gin.Context) {
	f := s.scope.Display().Latest()
	if f == nil {
		writeError(c, http.StatusNotFound, "no_frame", "no display frame yet")
		return
	}

	opts := display.PreviewOptions{MaxWidth: s.opts.PreviewMaxSize, MaxHeight: s.opts.PreviewMaxSize}
	var err error
	if opts.Low, err = uint16Query(c, "low"); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	if opts.High, err = uint16Query(c, "high"); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	s.writePNG(c, f, opts)
}

func (s *Server) writePNG(c *gin.Context, f *types.Frame, opts display.PreviewOptions) {
	var buf bytes.Buffer
	if err := display.WritePNG(&buf, f, opts); err != nil {
		writeError(c, http.StatusInternalServerError, "render_failed", err.Error())
		return
	}
	c.Header("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) handleStartLive(c *gin.Context) {
	if err := s.scope.StartLive(context.Background()); err != nil {
		writeCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": true})
}

func (s *Server) handleStopLive(c *gin.Context) {
	if err := s.scope.StopLive(); err != nil {
		writeCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": false})
}

// handleCapture snaps one frame and returns it as a full-size PNG
func (s *Server) handleCapture(c *gin.Context) {
	f, err := s.scope.Capture(c.Request.Context())
	if err != nil {
		writeCoreError(c, err)
		return
	}
	s.writePNG(c, f, display.PreviewOptions{})
}

func (s *Server) handleStartRecording(c *gin.Context) {
	frames := 0
	if v := c.Query("frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid_parameter", "frames must be a non-negative integer")
			return
		}
		frames = n
	}

	id, err := s.scope.StartRecording(frames)
	if err != nil {
		writeCoreError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": id})
}

func (s *Server) handleStopRecording(c *gin.Context) {
	persist, err := strconv.ParseBool(c.DefaultQuery("persist", "false"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", "persist must be a boolean")
		return
	}

	id, err := s.scope.StopRecording(persist)
	if err != nil {
		writeCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "persisted": persist})
}

func (s *Server) handleSave(c *gin.Context) {
	res, err := s.scope.Save(c.Request.Context())
	if err != nil && res == nil {
		writeCoreError(c, err)
		return
	}

	body := gin.H{
		"session_id": res.SessionID,
		"folder":     res.Folder,
		"format":     res.Format.String(),
		"saved":      res.Saved,
		"failed":     res.Failed,
		"skipped":    res.Skipped,
		"manifest":   res.ManifestPath,
		"fps_mean":   res.FrameRate.FPSMean,
		"duration_s": res.Duration.Seconds(),
	}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

type intervalRequest struct {
	Interval int `json:"interval" binding:"required"`
}

func (s *Server) handleSetInterval(c *gin.Context) {
	var req intervalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.scope.SetDisplayInterval(req.Interval); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"display_interval": req.Interval})
}

type triggerRequest struct {
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) handleSetTriggerMode(c *gin.Context) {
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.scope.SetTriggerMode(req.Mode); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trigger_mode": req.Mode})
}

// writeCoreError maps microscope state errors to HTTP status codes
func writeCoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrNoRecording):
		writeError(c, http.StatusNotFound, "no_recording", err.Error())
	case errors.Is(err, core.ErrBusy),
		errors.Is(err, core.ErrNotLive),
		errors.Is(err, core.ErrUnsavedRecording),
		errors.Is(err, session.ErrActive):
		writeError(c, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrNotConnected), errors.Is(err, core.ErrClosed):
		writeError(c, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, session.ErrInvalidCount):
		writeError(c, http.StatusBadRequest, "invalid_parameter", err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeError(c *gin.Context, code int, kind, msg string) {
	c.JSON(code, ErrorResponse{Error: kind, Message: msg, Timestamp: time.Now()})
}

func uint16Query(c *gin.Context, key string) (uint16, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer in [0, 65535]", key)
	}
	return uint16(n), nil
}

// requestLogger logs each request through slog at debug level
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("api: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}
