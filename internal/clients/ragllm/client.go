package ragllm

import (
  "bufio"
  "bytes"
  "context"
  "encoding/json"
  "errors"
  "fmt"
  "io"
  "net/http"
  "strings"

  "github.com/mkld/ragchat-backend/internal/apierr"
  "github.com/mkld/ragchat-backend/internal/logger"
  "github.com/mkld/ragchat-backend/internal/types"
  "github.com/mkld/ragchat-backend/internal/utils"
)

// Frame is one unit of the generation stream. Payload stays raw: content and
// thinking payloads are JSON-encoded string literals (double-encoded by the
// gateway), process/usage are objects, rag_summary is an array.
type Frame struct {
  Type    string          `json:"type"`
  Payload json.RawMessage `json:"payload"`
}

// StreamRequest mirrors the gateway's /rag/chat/stream body.
type StreamRequest struct {
  History []*types.ConversationMessage `json:"history"`
  Model   any                          `json:"model"`
  Options map[string]any               `json:"options"`
}

type Client interface {
  // StreamChat opens the generation stream and invokes onFrame for every
  // decoded frame in arrival order. A non-nil error from onFrame aborts the
  // stream and is returned as-is.
  StreamChat(ctx context.Context, req StreamRequest, onFrame func(Frame) error) error
}

type client struct {
  httpClient *http.Client
  log        *logger.Logger
  baseURL    string
}

func NewClient(log *logger.Logger) Client {
  serviceLog := log.With("service", "RagLLMClient")
  baseURL := utils.GetEnv("RAG_LLM_BASE_URL", "http://localhost:8080", log)
  return &client{
    // No overall timeout: generation streams are long-lived and bounded by
    // the request context instead.
    httpClient: &http.Client{},
    log:        serviceLog,
    baseURL:    strings.TrimRight(baseURL, "/"),
  }
}

// NewClientWithBase is used by tests to point at an httptest server.
func NewClientWithBase(log *logger.Logger, baseURL string) Client {
  return &client{
    httpClient: &http.Client{},
    log:        log.With("service", "RagLLMClient"),
    baseURL:    strings.TrimRight(baseURL, "/"),
  }
}

func (c *client) StreamChat(ctx context.Context, streamReq StreamRequest, onFrame func(Frame) error) error {
  var buf bytes.Buffer
  if err := json.NewEncoder(&buf).Encode(streamReq); err != nil {
    return apierr.Upstream(fmt.Errorf("encode stream request: %w", err))
  }

  req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rag/chat/stream", &buf)
  if err != nil {
    return apierr.Upstream(err)
  }
  req.Header.Set("Content-Type", "application/json")
  req.Header.Set("Accept", "text/event-stream")

  resp, err := c.httpClient.Do(req)
  if err != nil {
    if ctx.Err() != nil {
      return ctx.Err()
    }
    return apierr.Upstream(err)
  }
  defer resp.Body.Close()

  if resp.StatusCode < 200 || resp.StatusCode >= 300 {
    raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
    return apierr.Upstream(fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
  }

  err = streamSSE(resp.Body, func(data string) error {
    if strings.TrimSpace(data) == "" {
      return nil
    }
    var frame Frame
    if err := json.Unmarshal([]byte(data), &frame); err != nil {
      c.log.Warn("Skipping undecodable gateway frame", "error", err)
      return nil
    }
    return onFrame(frame)
  })
  if err != nil {
    if ctx.Err() != nil {
      return ctx.Err()
    }
    return err
  }
  return nil
}

// streamSSE reads a text/event-stream body line by line and calls onData with
// each complete event's data. Event names are not used by the gateway.
func streamSSE(r io.Reader, onData func(data string) error) error {
  br := bufio.NewReader(r)
  var dataLines []string

  flush := func() error {
    if len(dataLines) == 0 {
      return nil
    }
    data := strings.Join(dataLines, "\n")
    dataLines = nil
    return onData(data)
  }

  for {
    line, err := br.ReadString('\n')
    if err != nil {
      if errors.Is(err, io.EOF) {
        return flush()
      }
      return apierr.Upstream(err)
    }
    line = strings.TrimRight(line, "\r\n")

    if line == "" {
      if err := flush(); err != nil {
        return err
      }
      continue
    }
    if strings.HasPrefix(line, ":") {
      continue
    }
    if strings.HasPrefix(line, "data:") {
      dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
      continue
    }
  }
}
