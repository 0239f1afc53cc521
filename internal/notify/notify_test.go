package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/ledger"
)

type recordingSink struct {
	msgs []Message
}

func (s *recordingSink) Publish(msg Message) {
	s.msgs = append(s.msgs, msg)
}

type failJournal struct {
	err error
}

func (j *failJournal) RecordEvent(context.Context, ledger.Event) error {
	return j.err
}

var alertNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestAlerts(minLevel string, led journal) (*Alerts, *recordingSink) {
	cfg := &config.Config{}
	cfg.NotificationConfig.MinLevel = minLevel
	sink := &recordingSink{}
	a := NewAlerts(cfg, sink, led, zerolog.Nop())
	a.now = func() time.Time { return alertNow }
	return a, sink
}

func TestEmitJournalsAndForwardsAboveMinLevel(t *testing.T) {
	led := ledger.NewMemory()
	a, sink := newTestAlerts("WARN", led)
	ctx := context.Background()

	trace := a.Warn(ctx, "DRAWDOWN_BREAKER", "drawdown 16.2% exceeds limit", map[string]any{"drawdown_pct": 16.2})
	if len(trace) != 12 {
		t.Fatalf("trace id %q, want 12 hex chars", trace)
	}

	events, err := led.RecentEvents(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("journaled events = %d, want 1", len(events))
	}
	evt := events[0]
	if evt.TraceID != trace || evt.Level != "WARN" || evt.EventType != "DRAWDOWN_BREAKER" {
		t.Errorf("event = %+v", evt)
	}
	if !evt.CreatedAt.Equal(alertNow) {
		t.Errorf("event timestamp = %v, want %v", evt.CreatedAt, alertNow)
	}

	if len(sink.msgs) != 1 {
		t.Fatalf("forwarded messages = %d, want 1", len(sink.msgs))
	}
	if sink.msgs[0].TraceID != trace || sink.msgs[0].Level != "WARN" {
		t.Errorf("forwarded = %+v", sink.msgs[0])
	}
}

func TestEmitBelowMinLevelJournalsWithoutForwarding(t *testing.T) {
	led := ledger.NewMemory()
	a, sink := newTestAlerts("WARN", led)
	ctx := context.Background()

	a.Info(ctx, "POSITION_CLEARED", "BTCUSDT position closed on exchange", nil)

	events, _ := led.RecentEvents(ctx, 10)
	if len(events) != 1 {
		t.Fatalf("journaled events = %d, want 1", len(events))
	}
	if len(sink.msgs) != 0 {
		t.Errorf("INFO below min level WARN must not forward, got %d", len(sink.msgs))
	}

	a.Critical(ctx, "PANIC_CLOSE", "closing all positions", nil)
	if len(sink.msgs) != 1 || sink.msgs[0].Level != "CRITICAL" {
		t.Errorf("CRITICAL must forward, msgs = %+v", sink.msgs)
	}
}

func TestEmitMinLevelInfoForwardsEverything(t *testing.T) {
	a, sink := newTestAlerts("INFO", ledger.NewMemory())

	a.Info(context.Background(), "ENTRY_PLACED", "entry placed", nil)
	if len(sink.msgs) != 1 {
		t.Errorf("forwarded = %d, want 1", len(sink.msgs))
	}
}

func TestEmitSurvivesJournalFailure(t *testing.T) {
	a, sink := newTestAlerts("WARN", &failJournal{err: errors.New("pool exhausted")})

	trace := a.Error(context.Background(), "ORDER_SUBMIT_FAILED", "submit failed", nil)
	if len(trace) != 12 {
		t.Errorf("trace = %q", trace)
	}
	if len(sink.msgs) != 1 {
		t.Errorf("delivery must not depend on the journal, forwarded = %d", len(sink.msgs))
	}
}

func TestEmitDistinctTraceIDs(t *testing.T) {
	a, _ := newTestAlerts("WARN", ledger.NewMemory())
	ctx := context.Background()

	t1 := a.Warn(ctx, "A", "first", nil)
	t2 := a.Warn(ctx, "A", "second", nil)
	if t1 == t2 {
		t.Errorf("trace ids must differ, both %q", t1)
	}
}

type fakeNotifier struct {
	name    string
	enabled bool
	sent    []Message
	err     error
}

func (f *fakeNotifier) Send(msg Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func (f *fakeNotifier) Name() string    { return f.name }
func (f *fakeNotifier) IsEnabled() bool { return f.enabled }

func TestManagerDeliversToEnabledChannelsOnly(t *testing.T) {
	m := &Manager{queue: make(chan Message, queueSize), enabled: true, log: zerolog.Nop()}
	on := &fakeNotifier{name: "on", enabled: true}
	off := &fakeNotifier{name: "off", enabled: false}
	m.AddNotifier(on)
	m.AddNotifier(off)

	m.deliver(Message{Level: "WARN", EventType: "X", Text: "x"})

	if len(on.sent) != 1 {
		t.Errorf("enabled channel sends = %d, want 1", len(on.sent))
	}
	if len(off.sent) != 0 {
		t.Errorf("disabled channel sends = %d, want 0", len(off.sent))
	}
}

func TestManagerFailingChannelDoesNotBlockOthers(t *testing.T) {
	m := &Manager{queue: make(chan Message, queueSize), enabled: true, log: zerolog.Nop()}
	bad := &fakeNotifier{name: "bad", enabled: true, err: errors.New("webhook 500")}
	good := &fakeNotifier{name: "good", enabled: true}
	m.AddNotifier(bad)
	m.AddNotifier(good)

	m.deliver(Message{Level: "ERROR", EventType: "X", Text: "x"})

	if len(good.sent) != 1 {
		t.Errorf("healthy channel sends = %d, want 1", len(good.sent))
	}
}

func TestManagerPublishDropsWhenQueueFull(t *testing.T) {
	m := &Manager{queue: make(chan Message, 1), enabled: true, log: zerolog.Nop()}

	m.Publish(Message{EventType: "A"})
	m.Publish(Message{EventType: "B"}) // must not block

	if len(m.queue) != 1 {
		t.Errorf("queued = %d, want 1", len(m.queue))
	}
	if got := <-m.queue; got.EventType != "A" {
		t.Errorf("queued message = %q, want A", got.EventType)
	}
}

func TestManagerDisabledDropsEverything(t *testing.T) {
	m := &Manager{queue: make(chan Message, queueSize), enabled: false, log: zerolog.Nop()}
	m.Publish(Message{EventType: "A"})
	if len(m.queue) != 0 {
		t.Errorf("disabled manager queued %d", len(m.queue))
	}
}

func TestTelegramSendPostsMarkdownMessage(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "tok123", ChatID: "-100200"})
	n.apiBase = srv.URL

	err := n.Send(Message{Level: "WARN", EventType: "SL_MISSING", Text: "BTCUSDT has no stop", TraceID: "abc123def456", At: alertNow})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/bottok123/sendMessage" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["chat_id"] != "-100200" {
		t.Errorf("chat_id = %v", gotBody["chat_id"])
	}
	text, _ := gotBody["text"].(string)
	if !strings.Contains(text, "[WARN] SL_MISSING") || !strings.Contains(text, "trace=abc123def456") {
		t.Errorf("text = %q", text)
	}
}

func TestTelegramSendRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"})
	n.apiBase = srv.URL

	if err := n.Send(Message{Level: "WARN", EventType: "X"}); err == nil {
		t.Error("want error on 429 response")
	}
}

func TestTelegramDisabledWithoutCredentials(t *testing.T) {
	n := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "", ChatID: "c"})
	if n.IsEnabled() {
		t.Error("missing bot token must disable the channel")
	}
	if err := n.Send(Message{}); err != nil {
		t.Errorf("disabled send = %v, want nil", err)
	}
}

func TestDiscordSendPostsEmbed(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(config.DiscordConfig{Enabled: true, WebhookURL: srv.URL})

	err := n.Send(Message{Level: "CRITICAL", EventType: "PANIC_CLOSE", Text: "flattening everything", TraceID: "abc123def456", At: alertNow})
	if err != nil {
		t.Fatal(err)
	}

	embeds, _ := gotBody["embeds"].([]any)
	if len(embeds) != 1 {
		t.Fatalf("embeds = %v", gotBody["embeds"])
	}
	embed, _ := embeds[0].(map[string]any)
	if embed["title"] != "[CRITICAL] PANIC_CLOSE" {
		t.Errorf("title = %v", embed["title"])
	}
	if embed["color"] != float64(0xFF0000) {
		t.Errorf("color = %v, want red", embed["color"])
	}
	footer, _ := embed["footer"].(map[string]any)
	if footer["text"] != "trace=abc123def456" {
		t.Errorf("footer = %v", embed["footer"])
	}
}

func TestDiscordDisabledWithoutWebhook(t *testing.T) {
	n := NewDiscordNotifier(config.DiscordConfig{Enabled: true, WebhookURL: ""})
	if n.IsEnabled() {
		t.Error("missing webhook URL must disable the channel")
	}
}
