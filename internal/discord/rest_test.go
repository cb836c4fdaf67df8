package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/threadbox/threadbox/internal/common/logger"
)

func testRest(t *testing.T, handler http.Handler) (*Rest, *httptest.Server) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRestWithBase("bot-token", srv.URL, log), srv
}

func TestCreateMessage(t *testing.T) {
	var got struct {
		Content         string `json:"content"`
		AllowedMentions struct {
			Parse []string `json:"parse"`
		} `json:"allowed_mentions"`
	}
	rest, _ := testRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/c1/messages" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bot bot-token" {
			t.Errorf("auth = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"m9"}`))
	}))

	if err := rest.CreateMessage(context.Background(), "c1", "hello"); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if got.Content != "hello" {
		t.Errorf("content = %q", got.Content)
	}
	if got.AllowedMentions.Parse == nil || len(got.AllowedMentions.Parse) != 0 {
		t.Errorf("allowed_mentions.parse = %v, want empty list", got.AllowedMentions.Parse)
	}
}

func TestCreateMessageChunksLongContent(t *testing.T) {
	var calls int32
	rest, _ := testRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Content) > maxMessageLen {
			t.Errorf("chunk exceeds cap: %d chars", len(body.Content))
		}
		_, _ = w.Write([]byte(`{}`))
	}))

	long := strings.Repeat("line of output\n", 300) // ~4500 chars
	if err := rest.CreateMessage(context.Background(), "c1", long); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Errorf("expected at least 3 chunks, got %d", calls)
	}
}

func TestStartThreadFromMessage(t *testing.T) {
	rest, _ := testRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/channels/c1/messages/m1/threads" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Name != "my thread" {
			t.Errorf("name = %q", body.Name)
		}
		_, _ = w.Write([]byte(`{"id":"t1","type":11,"parent_id":"c1"}`))
	}))

	threadID, err := rest.StartThreadFromMessage(context.Background(), "c1", "m1", "my thread")
	if err != nil {
		t.Fatalf("StartThreadFromMessage: %v", err)
	}
	if threadID != "t1" {
		t.Errorf("threadID = %q", threadID)
	}

	// The created thread lands in the channel cache.
	info, err := rest.GetChannel(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if !info.IsThread() || info.ParentID != "c1" {
		t.Errorf("cached info = %+v", info)
	}
}

func TestStartThreadAlreadyExists(t *testing.T) {
	rest, _ := testRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":160004,"message":"A thread has already been created for this message"}`))
	}))

	threadID, err := rest.StartThreadFromMessage(context.Background(), "c1", "m1", "dup")
	if err != nil {
		t.Fatalf("duplicate thread creation must succeed: %v", err)
	}
	if threadID != "m1" {
		t.Errorf("threadID = %q, want the anchoring message id", threadID)
	}
}

func TestGetChannelCaches(t *testing.T) {
	var calls int32
	rest, _ := testRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"id":"c1","type":0}`))
	}))

	for i := 0; i < 3; i++ {
		if _, err := rest.GetChannel(context.Background(), "c1"); err != nil {
			t.Fatalf("GetChannel: %v", err)
		}
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestMessagesAfterReversesToOldestFirst(t *testing.T) {
	rest, _ := testRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "m0" {
			t.Errorf("after = %q", r.URL.Query().Get("after"))
		}
		_, _ = w.Write([]byte(`[{"id":"m3"},{"id":"m2"},{"id":"m1"}]`))
	}))

	msgs, err := rest.MessagesAfter(context.Background(), "c1", "m0", 50)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	for i, m := range msgs {
		if m.ID != want[i] {
			t.Errorf("msgs[%d] = %s, want %s", i, m.ID, want[i])
		}
	}
}

func TestAPIErrorSurfacesStatus(t *testing.T) {
	rest, _ := testRest(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Missing Access"}`, http.StatusForbidden)
	}))

	err := rest.CreateMessage(context.Background(), "c1", "hi")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
}

func TestChunkMessage(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		chunks  int
	}{
		{"short passes through", "hello", 2000, 1},
		{"empty yields one", "", 2000, 1},
		{"splits at cap", strings.Repeat("a", 4100), 2000, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkMessage(tt.content, tt.max)
			if len(chunks) != tt.chunks {
				t.Errorf("got %d chunks, want %d", len(chunks), tt.chunks)
			}
			total := 0
			for _, c := range chunks {
				if len(c) > tt.max {
					t.Errorf("chunk exceeds max: %d", len(c))
				}
				total += len(c)
			}
		})
	}
}
