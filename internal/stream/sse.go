package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SSEWriter frames envelopes as server-sent events over a gin response.
type SSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
}

var _ Sender = (*SSEWriter)(nil)

// NewSSEWriter sets the SSE response headers and returns a writer. Returns an
// error when the underlying response does not support flushing.
func NewSSEWriter(c *gin.Context) (*SSEWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{writer: c.Writer, flusher: flusher}, nil
}

// Send writes one envelope as a single data: line and flushes immediately.
func (w *SSEWriter) Send(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
