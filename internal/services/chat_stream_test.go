package services

import (
	"encoding/json"
	"testing"

	"github.com/mkld/ragchat-backend/internal/apierr"
	"github.com/mkld/ragchat-backend/internal/clients/ragllm"
	"github.com/mkld/ragchat-backend/internal/logger"
)

// wrapText builds the double-encoded text payload the gateway emits: a JSON
// string whose value is a JSON-encoded string.
func wrapText(t *testing.T, text string) json.RawMessage {
	t.Helper()
	inner, err := json.Marshal(text)
	if err != nil {
		t.Fatalf("marshal inner: %v", err)
	}
	outer, err := json.Marshal(string(inner))
	if err != nil {
		t.Fatalf("marshal outer: %v", err)
	}
	return outer
}

func TestStreamAccumulator_ContentConcatenatesInOrder(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	for _, chunk := range []string{"He", "llo", ", wor", "ld"} {
		out, err := a.apply(ragllm.Frame{Type: "content", Payload: wrapText(t, chunk)})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("expected 1 forwarded frame, got %d", len(out))
		}
		cf, ok := out[0].(ContentFrame)
		if !ok || cf.Type != "content" || cf.Content != chunk {
			t.Fatalf("unexpected forwarded frame %#v", out[0])
		}
	}

	if a.Content() != "Hello, world" {
		t.Fatalf("expected concatenated content, got %q", a.Content())
	}
}

func TestStreamAccumulator_ThinkingForwardedButNotPersisted(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	out, err := a.apply(ragllm.Frame{Type: "thinking", Payload: wrapText(t, "let me see")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	cf, ok := out[0].(ContentFrame)
	if !ok || cf.Type != "thinking" || cf.Content != "let me see" {
		t.Fatalf("unexpected forwarded frame %#v", out[0])
	}
	if a.Content() != "" {
		t.Fatalf("thinking text must not reach persisted content, got %q", a.Content())
	}
}

func TestStreamAccumulator_MalformedContentIsFatal(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	// Outer decodes as a string but the inner value is not valid JSON.
	outer, _ := json.Marshal("not json at all")
	_, err := a.apply(ragllm.Frame{Type: "content", Payload: outer})
	if err == nil {
		t.Fatalf("expected a fatal decode error")
	}
	if !apierr.Is(err, apierr.CodeUpstreamDecode) {
		t.Fatalf("expected upstream_decode_error, got %v", err)
	}
}

func TestStreamAccumulator_ProcessAppendsToTraceAndForwards(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	for _, step := range []string{`{"step":"retrieve"}`, `{"step":"rank"}`} {
		out, err := a.apply(ragllm.Frame{Type: "process", Payload: json.RawMessage(step)})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if len(out) != 1 {
			t.Fatalf("expected process frame forwarded, got %d frames", len(out))
		}
	}

	var trace []map[string]any
	if err := json.Unmarshal(a.Trace(), &trace); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if len(trace) != 2 || trace[0]["step"] != "retrieve" || trace[1]["step"] != "rank" {
		t.Fatalf("unexpected trace %#v", trace)
	}
}

func TestStreamAccumulator_ProcessToleratesStringWrappedPayload(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	wrapped, _ := json.Marshal(`{"step":"retrieve"}`)
	out, err := a.apply(ragllm.Frame{Type: "process", Payload: wrapped})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected forwarded frame, got %d", len(out))
	}
	pf := out[0].(ProcessFrame)
	if pf.Payload["step"] != "retrieve" {
		t.Fatalf("unexpected payload %#v", pf.Payload)
	}
}

func TestStreamAccumulator_RagSummaryReplacesTraceSilently(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	if _, err := a.apply(ragllm.Frame{Type: "process", Payload: json.RawMessage(`{"step":"retrieve"}`)}); err != nil {
		t.Fatalf("apply process: %v", err)
	}

	out, err := a.apply(ragllm.Frame{Type: "rag_summary", Payload: json.RawMessage(`[{"doc":"a.pdf","score":0.9}]`)})
	if err != nil {
		t.Fatalf("apply rag_summary: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("rag_summary must not forward anything, got %d frames", len(out))
	}

	var trace []map[string]any
	if err := json.Unmarshal(a.Trace(), &trace); err != nil {
		t.Fatalf("decode trace: %v", err)
	}
	if len(trace) != 1 || trace[0]["doc"] != "a.pdf" {
		t.Fatalf("expected summary to replace accumulated trace, got %#v", trace)
	}
}

func TestStreamAccumulator_UsageMergesAcrossFrames(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	frames := []string{
		`{"latency_ms":120,"prompt_tokens":10}`,
		`{"completion_tokens":42,"total_tokens":52}`,
		`{"latency_ms":350}`,
	}
	for _, f := range frames {
		out, err := a.apply(ragllm.Frame{Type: "usage", Payload: json.RawMessage(f)})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		uf, ok := out[0].(UsageFrame)
		if !ok || uf.Type != "usage" {
			t.Fatalf("unexpected forwarded frame %#v", out[0])
		}
	}

	u := a.Usage()
	if u.LatencyMs == nil || *u.LatencyMs != 350 {
		t.Fatalf("expected last latency to win, got %v", u.LatencyMs)
	}
	if u.PromptTokens == nil || *u.PromptTokens != 10 {
		t.Fatalf("expected prompt tokens preserved, got %v", u.PromptTokens)
	}
	if u.CompletionTokens == nil || *u.CompletionTokens != 42 {
		t.Fatalf("unexpected completion tokens %v", u.CompletionTokens)
	}
	if u.TotalTokens == nil || *u.TotalTokens != 52 {
		t.Fatalf("unexpected total tokens %v", u.TotalTokens)
	}
}

func TestStreamAccumulator_UnknownFrameTypeDropped(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())

	out, err := a.apply(ragllm.Frame{Type: "telemetry", Payload: json.RawMessage(`{"x":1}`)})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != nil {
		t.Fatalf("expected unknown frame dropped, got %#v", out)
	}
}

func TestStreamAccumulator_EmptyTraceIsNil(t *testing.T) {
	a := newStreamAccumulator(logger.NewNop())
	if a.Trace() != nil {
		t.Fatalf("expected nil trace when nothing accumulated")
	}
}
