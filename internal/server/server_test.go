package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"lorekeeper/internal/audio"
	"lorekeeper/internal/chat"
	"lorekeeper/internal/dm"
	"lorekeeper/internal/kv"
	"lorekeeper/internal/session"
	"lorekeeper/internal/webhook"
)

func newTestServer(t *testing.T, webhookURL string) (*httptest.Server, *audio.Cache) {
	t.Helper()
	b := kv.NewMemoryBackend()
	cache := audio.New(audio.Config{
		Blobs:  b.Store("audio"),
		Meta:   b.Store("audio_meta"),
		Logger: zerolog.Nop(),
	})
	svc := dm.New(dm.Config{
		Sessions: session.NewStore(b.Store("session")),
		History:  chat.NewStore(b.Store("chat")),
		Cache:    cache,
		Webhook: webhook.New(webhook.Config{
			URL:     webhookURL,
			Backoff: time.Millisecond,
			Logger:  zerolog.Nop(),
		}),
		Logger: zerolog.Nop(),
	})

	mux := http.NewServeMux()
	NewService(Config{DM: svc, Cache: cache, Logger: zerolog.Nop()}).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, cache
}

func newHookServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestPostMessageRoundTrip(t *testing.T) {
	hook := newHookServer(t, `{"text":"Roll for initiative."}`)
	srv, _ := newTestServer(t, hook.URL)

	resp, err := http.Post(srv.URL+"/api/message", "application/json",
		strings.NewReader(`{"text":"I draw my sword"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var msg chat.Message
	decodeJSON(t, resp, &msg)
	if msg.Role != chat.RoleDM || msg.Text != "Roll for initiative." {
		t.Fatalf("unexpected reply %#v", msg)
	}

	// Both sides of the exchange land in the chat log. The log is already
	// non-empty so no placeholder is seeded.
	resp, err = http.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	var page struct {
		Messages []chat.Message `json:"messages"`
	}
	decodeJSON(t, resp, &page)
	if len(page.Messages) != 2 {
		t.Fatalf("expected user + dm, got %d", len(page.Messages))
	}
	if page.Messages[0].Role != chat.RoleUser || page.Messages[0].Text != "I draw my sword" {
		t.Fatalf("user message missing: %#v", page.Messages[0])
	}
}

func TestPostMessageRequiresText(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")

	resp, err := http.Post(srv.URL+"/api/message", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPostVoiceMultipart(t *testing.T) {
	hook := newHookServer(t, `{"text":"A fine tale, bard."}`)
	srv, _ := newTestServer(t, hook.URL)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("data", "recording.webm")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("opus frames"))
	_ = mw.Close()

	resp, err := http.Post(srv.URL+"/api/voice", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var msg chat.Message
	decodeJSON(t, resp, &msg)
	if msg.Text != "A fine tale, bard." {
		t.Fatalf("unexpected reply %#v", msg)
	}
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")
	client := srv.Client()

	resp, err := client.Get(srv.URL + "/api/session")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	var got struct {
		SessionID string `json:"sessionId"`
	}
	decodeJSON(t, resp, &got)
	if got.SessionID == "" {
		t.Fatalf("expected a bootstrapped session id")
	}
	first := got.SessionID

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/session",
		strings.NewReader(`{"sessionId":"custom-session_1"}`))
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("put session: %v", err)
	}
	decodeJSON(t, resp, &got)
	if got.SessionID != "custom-session_1" {
		t.Fatalf("session id = %q", got.SessionID)
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/session", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("delete session: %v", err)
	}
	decodeJSON(t, resp, &got)
	if got.SessionID == "custom-session_1" || got.SessionID == first {
		t.Fatalf("expected a fresh session id, got %q", got.SessionID)
	}
}

func TestPutSessionRejectsInvalidID(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/session",
		strings.NewReader(`{"sessionId":"bad id!"}`))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("put session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
}

func TestDeleteChatClearsHistory(t *testing.T) {
	hook := newHookServer(t, `{"text":"ok"}`)
	srv, _ := newTestServer(t, hook.URL)
	client := srv.Client()

	// Seed first so the second load below does not re-seed.
	resp, err := client.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/api/message", "application/json",
		strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/chat", nil)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	// Seeding runs at most once per launch, so the log stays empty.
	resp, err = client.Get(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	var page struct {
		Messages []chat.Message `json:"messages"`
	}
	decodeJSON(t, resp, &page)
	if len(page.Messages) != 0 {
		t.Fatalf("expected empty chat after clear, got %d messages", len(page.Messages))
	}
}

func TestGetAudioStreamsCachedBytes(t *testing.T) {
	srv, cache := newTestServer(t, "http://unused.invalid")

	blob := []byte("mp3 bytes")
	locator, err := cache.Put(context.Background(), "abc", chat.AudioRef{Path: "scene/clip"}, blob)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/audio?locator=" + locator)
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got bytes.Buffer
	if _, err := got.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(got.Bytes(), blob) {
		t.Fatalf("audio bytes mangled: %q", got.Bytes())
	}
}

func TestGetAudioMissing(t *testing.T) {
	srv, _ := newTestServer(t, "http://unused.invalid")

	resp, err := http.Get(srv.URL + "/api/audio?locator=cache://abc:nope")
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
