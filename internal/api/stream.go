package api

import (
	"context"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/e7canasta/fluo-camera/internal/display"
)

// handlePreviewStream pushes every display frame the client keeps up with
// as a multipart/x-mixed-replace PNG stream. A slow client skips frames;
// the skips show up as drops in the status display consumers. The optional
// frames query parameter ends the stream after that many parts.
func (s *Server) handlePreviewStream(c *gin.Context) {
	limit := 0
	if v := c.Query("frames"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, http.StatusBadRequest, "invalid_parameter", "frames must be a non-negative integer")
			return
		}
		limit = n
	}
	opts := display.PreviewOptions{MaxWidth: s.opts.PreviewMaxSize, MaxHeight: s.opts.PreviewMaxSize}

	supplier := s.scope.Display()
	id := "http-" + uuid.NewString()
	read := supplier.Subscribe(id)
	defer supplier.Unsubscribe(id)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// Wakes a read blocked on the mailbox when the client goes away
		<-ctx.Done()
		supplier.Unsubscribe(id)
	}()

	mw := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	// The server write timeout does not apply to a stream
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	for sent := 0; limit == 0 || sent < limit; sent++ {
		f := read()
		if f == nil {
			break
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {"image/png"},
			"X-Frame-Seq":  {strconv.FormatUint(f.Seq, 10)},
		})
		if err != nil {
			return
		}
		if err := display.WritePNG(part, f, opts); err != nil {
			slog.Debug("api: preview stream render failed", "consumer", id, "error", err)
			return
		}
		c.Writer.Flush()
	}
	mw.Close()
}
