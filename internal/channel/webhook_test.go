package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/config"
)

func webhookFixture(t *testing.T, cfg config.WebhookConfig) (*WebhookChannel, *fakePublisher, *httptest.Server) {
	t.Helper()
	pub := &fakePublisher{}
	ch := NewWebhookChannel(cfg, pub)
	ts := httptest.NewServer(ch.Handler())
	t.Cleanup(ts.Close)
	return ch, pub, ts
}

func postJSON(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebhookAcceptsInbound(t *testing.T) {
	_, pub, ts := webhookFixture(t, config.WebhookConfig{Path: "/hook", AuthToken: "s3cret"})

	resp := postJSON(t, ts.URL+"/hook", "s3cret", `{"chatId":"c1","content":"hello","senderId":"alice"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		OK bool   `json:"ok"`
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || body.ID == "" {
		t.Fatalf("body = %+v", body)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published = %d", len(pub.published))
	}
	env := pub.published[0]
	if env.Channel != "webhook" || env.ChatID != "c1" || env.SenderID != "alice" || env.Content != "hello" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestWebhookCallerSuppliedID(t *testing.T) {
	_, pub, ts := webhookFixture(t, config.WebhookConfig{Path: "/hook"})

	resp := postJSON(t, ts.URL+"/hook", "", `{"id":"ext-1","chatId":"c1","content":"hi"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if pub.published[0].ID != "ext-1" {
		t.Fatalf("id = %q", pub.published[0].ID)
	}
}

func TestWebhookAuth(t *testing.T) {
	_, _, ts := webhookFixture(t, config.WebhookConfig{Path: "/hook", AuthToken: "s3cret"})

	if resp := postJSON(t, ts.URL+"/hook", "", `{"chatId":"c1","content":"x"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/hook", "wrong", `{"chatId":"c1","content":"x"}`); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/hook", strings.NewReader(`{"chatId":"c1","content":"x"}`))
	req.Header.Set("x-coreclaw-token", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("header token status = %d", resp.StatusCode)
	}
}

func TestWebhookRejectsBadRequests(t *testing.T) {
	_, _, ts := webhookFixture(t, config.WebhookConfig{Path: "/hook", MaxBodyBytes: 128})

	if resp := postJSON(t, ts.URL+"/hook", "", `not json`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid json status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, ts.URL+"/hook", "", `{"content":"x"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing chatId status = %d", resp.StatusCode)
	}
	big := fmt.Sprintf(`{"chatId":"c1","content":%q}`, strings.Repeat("a", 1024))
	if resp := postJSON(t, ts.URL+"/hook", "", big); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized status = %d", resp.StatusCode)
	}
	resp, err := http.Get(ts.URL + "/other")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status = %d", resp.StatusCode)
	}
}

func TestWebhookOutboundDrain(t *testing.T) {
	ch, _, ts := webhookFixture(t, config.WebhookConfig{Path: "/hook"})

	for i := 0; i < 3; i++ {
		env := bus.Envelope{ID: fmt.Sprintf("m%d", i), Channel: "webhook", ChatID: "c1", Content: fmt.Sprintf("reply %d", i)}
		if err := ch.Send(context.Background(), env); err != nil {
			t.Fatal(err)
		}
	}

	resp, err := http.Get(ts.URL + "/hook/outbound?chatId=c1&limit=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Messages []outboxEntry `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Messages) != 2 || body.Messages[0].ID != "m0" || body.Messages[1].ID != "m1" {
		t.Fatalf("first drain = %+v", body.Messages)
	}

	if rest := ch.Drain("c1", 50); len(rest) != 1 || rest[0].ID != "m2" {
		t.Fatalf("second drain = %+v", rest)
	}
	if again := ch.Drain("c1", 50); len(again) != 0 {
		t.Fatalf("third drain = %+v", again)
	}
}

func TestWebhookOutboundLimitClamp(t *testing.T) {
	ch, _, ts := webhookFixture(t, config.WebhookConfig{Path: "/hook"})
	for i := 0; i < 3; i++ {
		_ = ch.Send(context.Background(), bus.Envelope{ID: fmt.Sprintf("m%d", i), ChatID: "c1", Content: "x"})
	}

	resp, err := http.Get(ts.URL + "/hook/outbound?chatId=c1&limit=100000")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Messages []outboxEntry `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d", len(body.Messages))
	}

	resp, err = http.Get(ts.URL + "/hook/outbound")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing chatId status = %d", resp.StatusCode)
	}
}

func TestWebhookOutboxBounds(t *testing.T) {
	ch := NewWebhookChannel(config.WebhookConfig{
		OutboxMaxPerChat: 2,
		OutboxMaxChats:   2,
		OutboxChatTtlMs:  60000,
	}, &fakePublisher{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ch.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		_ = ch.Send(context.Background(), bus.Envelope{ID: fmt.Sprintf("m%d", i), ChatID: "c1", Content: "x"})
	}
	if got := ch.Drain("c1", 50); len(got) != 2 || got[0].ID != "m2" {
		t.Fatalf("per-chat cap kept %+v", got)
	}

	_ = ch.Send(context.Background(), bus.Envelope{ID: "a", ChatID: "c1", Content: "x"})
	now = now.Add(time.Second)
	_ = ch.Send(context.Background(), bus.Envelope{ID: "b", ChatID: "c2", Content: "x"})
	now = now.Add(time.Second)
	_ = ch.Send(context.Background(), bus.Envelope{ID: "c", ChatID: "c3", Content: "x"})
	if got := ch.Drain("c1", 50); len(got) != 0 {
		t.Fatalf("oldest chat not evicted: %+v", got)
	}
	if got := ch.Drain("c3", 50); len(got) != 1 {
		t.Fatalf("newest chat missing: %+v", got)
	}

	_ = ch.Send(context.Background(), bus.Envelope{ID: "d", ChatID: "c4", Content: "x"})
	now = now.Add(2 * time.Minute)
	if got := ch.Drain("c4", 50); len(got) != 0 {
		t.Fatalf("expired chat survived ttl: %+v", got)
	}
}
