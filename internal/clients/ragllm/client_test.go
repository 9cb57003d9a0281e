package ragllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mkld/ragchat-backend/internal/apierr"
	"github.com/mkld/ragchat-backend/internal/logger"
	"github.com/mkld/ragchat-backend/internal/types"
)

func TestStreamChat_DecodesFramesInOrder(t *testing.T) {
	var gotBody StreamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rag/chat/stream" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("unexpected accept header %q", accept)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content\",\"payload\":\"\\\"He\\\"\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content\",\"payload\":\"\\\"llo\\\"\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"usage\",\"payload\":{\"total_tokens\":3}}\n\n")
	}))
	defer srv.Close()

	c := NewClientWithBase(logger.NewNop(), srv.URL)
	var frames []Frame
	err := c.StreamChat(context.Background(), StreamRequest{
		History: []*types.ConversationMessage{{Role: types.RoleUser, Content: "hi"}},
	}, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	// The undecodable line is skipped, not fatal.
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].Type != "content" || frames[1].Type != "content" || frames[2].Type != "usage" {
		t.Fatalf("unexpected frame order %#v", frames)
	}
	if len(gotBody.History) != 1 || gotBody.History[0].Content != "hi" {
		t.Fatalf("unexpected request body %#v", gotBody)
	}
}

func TestStreamChat_JoinsMultiLineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"process\",\n")
		fmt.Fprint(w, "data: \"payload\":{\"step\":\"retrieve\"}}\n\n")
	}))
	defer srv.Close()

	c := NewClientWithBase(logger.NewNop(), srv.URL)
	var frames []Frame
	if err := c.StreamChat(context.Background(), StreamRequest{}, func(f Frame) error {
		frames = append(frames, f)
		return nil
	}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(frames) != 1 || frames[0].Type != "process" {
		t.Fatalf("expected joined multi-line frame, got %#v", frames)
	}
}

func TestStreamChat_Non2xxIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClientWithBase(logger.NewNop(), srv.URL)
	err := c.StreamChat(context.Background(), StreamRequest{}, func(Frame) error {
		t.Fatalf("no frames expected")
		return nil
	})
	if !apierr.Is(err, apierr.CodeUpstream) {
		t.Fatalf("expected upstream_error, got %v", err)
	}
}

func TestStreamChat_CallbackErrorAbortsStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content\",\"payload\":\"\\\"a\\\"\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"content\",\"payload\":\"\\\"b\\\"\"}\n\n")
	}))
	defer srv.Close()

	c := NewClientWithBase(logger.NewNop(), srv.URL)
	sentinel := fmt.Errorf("stop here")
	calls := 0
	err := c.StreamChat(context.Background(), StreamRequest{}, func(Frame) error {
		calls++
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected the callback error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected the stream aborted after the first frame, got %d calls", calls)
	}
}

func TestStreamChat_CancellationReturnsContextError(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"content\",\"payload\":\"\\\"a\\\"\"}\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClientWithBase(logger.NewNop(), srv.URL)
	err := c.StreamChat(ctx, StreamRequest{}, func(Frame) error {
		go func() {
			<-started
			cancel()
		}()
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
