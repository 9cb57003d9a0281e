package services

import (
  "encoding/json"
  "fmt"
  "strings"

  "github.com/mkld/ragchat-backend/internal/apierr"
  "github.com/mkld/ragchat-backend/internal/clients/ragllm"
  "github.com/mkld/ragchat-backend/internal/logger"
)

// StreamSink is one client-facing SSE connection. Send JSON-encodes the
// payload and writes it as a single data event, flushing immediately.
type StreamSink interface {
  Send(payload any) error
}

// Client-facing frame shapes. These are a compatibility contract with the
// frontend; field order and names must not change.

type ContentFrame struct {
  Type    string `json:"type"`
  Content string `json:"content"`
}

type ProcessFrame struct {
  Type    string         `json:"type"`
  Payload map[string]any `json:"payload"`
}

type UsageFrame struct {
  Type    string          `json:"type"`
  Payload json.RawMessage `json:"payload"`
}

type DoneFrame struct {
  Type               string `json:"type"`
  UserMessageID      int64  `json:"userMessageId"`
  AssistantMessageID int64  `json:"assistantMessageId"`
}

type ErrorFrame struct {
  Type    string `json:"type"`
  Code    string `json:"code"`
  Message string `json:"message"`
}

// usageInfo accumulates the recognized numeric usage fields.
type usageInfo struct {
  LatencyMs        *int64
  CompletionTokens *int
  PromptTokens     *int
  TotalTokens      *int
}

func (u *usageInfo) merge(payload json.RawMessage) {
  var fields struct {
    LatencyMs        *int64 `json:"latency_ms"`
    CompletionTokens *int   `json:"completion_tokens"`
    PromptTokens     *int   `json:"prompt_tokens"`
    TotalTokens      *int   `json:"total_tokens"`
  }
  if err := json.Unmarshal(payload, &fields); err != nil {
    return
  }
  if fields.LatencyMs != nil {
    u.LatencyMs = fields.LatencyMs
  }
  if fields.CompletionTokens != nil {
    u.CompletionTokens = fields.CompletionTokens
  }
  if fields.PromptTokens != nil {
    u.PromptTokens = fields.PromptTokens
  }
  if fields.TotalTokens != nil {
    u.TotalTokens = fields.TotalTokens
  }
}

// streamAccumulator is the per-stream side state: content buffer, retrieval
// trace and usage counters. It is owned exclusively by the stream's goroutine.
type streamAccumulator struct {
  content strings.Builder
  trace   []any
  usage   usageInfo
  log     *logger.Logger
}

func newStreamAccumulator(log *logger.Logger) *streamAccumulator {
  return &streamAccumulator{log: log}
}

// apply consumes one gateway frame and returns the frames to forward
// downstream, in order. A malformed content/thinking payload is fatal for the
// whole stream; every other decode problem is logged and swallowed.
func (a *streamAccumulator) apply(frame ragllm.Frame) ([]any, error) {
  switch frame.Type {
  case "content", "thinking":
    text, err := unwrapText(frame.Payload)
    if err != nil {
      return nil, apierr.UpstreamDecode(fmt.Errorf("unwrap %s payload: %w", frame.Type, err))
    }
    if frame.Type == "content" {
      a.content.WriteString(text)
    }
    return []any{ContentFrame{Type: frame.Type, Content: text}}, nil

  case "process":
    raw, err := unwrapPayload(frame.Payload)
    if err != nil {
      a.log.Warn("Dropping undecodable process frame", "error", err)
      return nil, nil
    }
    var info map[string]any
    if err := json.Unmarshal(raw, &info); err != nil {
      a.log.Warn("Dropping undecodable process frame", "error", err)
      return nil, nil
    }
    a.trace = append(a.trace, info)
    return []any{ProcessFrame{Type: "process", Payload: info}}, nil

  case "rag_summary":
    raw, err := unwrapPayload(frame.Payload)
    if err != nil {
      a.log.Warn("Ignoring undecodable rag_summary frame", "error", err)
      return nil, nil
    }
    var summary []any
    if err := json.Unmarshal(raw, &summary); err != nil {
      a.log.Warn("Ignoring undecodable rag_summary frame", "error", err)
      return nil, nil
    }
    // Terminal correction: the summary replaces everything accumulated from
    // process frames. Nothing is forwarded.
    a.trace = summary
    return nil, nil

  case "usage":
    raw, err := unwrapPayload(frame.Payload)
    if err != nil {
      a.log.Warn("Ignoring undecodable usage frame", "error", err)
      return nil, nil
    }
    a.usage.merge(raw)
    return []any{UsageFrame{Type: "usage", Payload: raw}}, nil

  default:
    return nil, nil
  }
}

// Content returns the persisted assistant content: the ordered concatenation
// of content frames only.
func (a *streamAccumulator) Content() string {
  return a.content.String()
}

// Trace returns the retrieval trace as JSON, or nil when empty.
func (a *streamAccumulator) Trace() []byte {
  if len(a.trace) == 0 {
    return nil
  }
  raw, err := json.Marshal(a.trace)
  if err != nil {
    a.log.Error("Failed to serialize retrieval trace", "error", err)
    return nil
  }
  return raw
}

func (a *streamAccumulator) Usage() usageInfo {
  return a.usage
}

// unwrapText decodes a double-encoded text payload: the payload is a JSON
// string whose value is itself a JSON-encoded string literal.
func unwrapText(payload json.RawMessage) (string, error) {
  var inner string
  if err := json.Unmarshal(payload, &inner); err != nil {
    return "", err
  }
  var text string
  if err := json.Unmarshal([]byte(inner), &text); err != nil {
    return "", err
  }
  return text, nil
}

// unwrapPayload tolerates both plain and string-wrapped JSON payloads: the
// gateway wraps some object payloads the same way it wraps text.
func unwrapPayload(payload json.RawMessage) (json.RawMessage, error) {
  trimmed := strings.TrimSpace(string(payload))
  if !strings.HasPrefix(trimmed, `"`) {
    return payload, nil
  }
  var inner string
  if err := json.Unmarshal(payload, &inner); err != nil {
    return nil, err
  }
  return json.RawMessage(inner), nil
}
