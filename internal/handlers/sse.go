package handlers

import (
  "encoding/json"
  "fmt"
  "net/http"

  "github.com/gin-gonic/gin"
)

func setSSEHeaders(w http.ResponseWriter) {
  w.Header().Set("Content-Type", "text/event-stream")
  w.Header().Set("Cache-Control", "no-cache")
  w.Header().Set("Connection", "keep-alive")
  w.Header().Set("X-Accel-Buffering", "no")
}

// sseSink adapts a gin response writer into a services.StreamSink. Headers
// are written lazily on the first event so pre-stream failures can still be
// returned as plain JSON error responses.
type sseSink struct {
  w       http.ResponseWriter
  flusher http.Flusher
  started bool
}

func newSSESink(c *gin.Context) (*sseSink, error) {
  flusher, ok := c.Writer.(http.Flusher)
  if !ok {
    return nil, fmt.Errorf("streaming unsupported by this connection")
  }
  return &sseSink{w: c.Writer, flusher: flusher}, nil
}

func (s *sseSink) Send(payload any) error {
  if !s.started {
    setSSEHeaders(s.w)
    s.w.WriteHeader(http.StatusOK)
    s.started = true
  }
  raw, err := json.Marshal(payload)
  if err != nil {
    return err
  }
  if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
    return err
  }
  s.flusher.Flush()
  return nil
}

// Started reports whether any event reached the wire.
func (s *sseSink) Started() bool {
  return s.started
}
