package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
	"signal-trading-bot/internal/auth"
	"signal-trading-bot/internal/bot"
	"signal-trading-bot/internal/exchange"
	"signal-trading-bot/internal/ledger"
	"signal-trading-bot/internal/pricefeed"
	"signal-trading-bot/internal/safety"
	"signal-trading-bot/internal/signals"
	"signal-trading-bot/internal/state"
)

type fakeIntake struct {
	rawErr     error
	raws       [][]byte
	confirmErr error
	confirmed  []int64
	pending    []bot.PendingEntry
}

func (f *fakeIntake) HandleRaw(_ context.Context, raw []byte) error {
	f.raws = append(f.raws, raw)
	return f.rawErr
}

func (f *fakeIntake) ConfirmPending(_ context.Context, id int64) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed = append(f.confirmed, id)
	return nil
}

func (f *fakeIntake) Pending() []bot.PendingEntry { return f.pending }

type fakeSafety struct {
	status       safety.Status
	clearErr     error
	panicReasons []string
	cleared      []string
}

func (f *fakeSafety) Status() safety.Status { return f.status }

func (f *fakeSafety) EnterPanic(_ context.Context, reason string) bool {
	f.panicReasons = append(f.panicReasons, reason)
	return true
}

func (f *fakeSafety) ClearPanic(_ context.Context, operator string) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, "panic:"+operator)
	return nil
}

func (f *fakeSafety) ClearSafeMode(_ context.Context, operator string) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, "safe:"+operator)
	return nil
}

type fakePrice struct{ mode string }

func (f *fakePrice) Mode() string { return f.mode }

type fakeCaps struct{ snap map[string]exchange.CapabilityRecord }

func (f *fakeCaps) Snapshot() map[string]exchange.CapabilityRecord { return f.snap }

type apiFixture struct {
	srv    *Server
	cfg    *config.Config
	intake *fakeIntake
	store  *state.Store
	led    *ledger.Memory
	safety *fakeSafety
	feed   *fakePrice
}

var apiNow = time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(mut func(*config.Config)) *apiFixture {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.ServerConfig = config.ServerConfig{
		Host:            "127.0.0.1",
		AllowedOrigins:  "*",
		ReadTimeout:     5,
		WriteTimeout:    5,
		ShutdownTimeout: 1,
	}
	cfg.PollerConfig = config.PollerConfig{
		AccountIntervalSeconds:    15,
		PositionsIntervalSeconds:  10,
		OpenOrdersIntervalSeconds: 15,
		ContractsIntervalSeconds:  1800,
	}
	cfg.PriceFeedConfig.Mode = pricefeed.ModeWS
	cfg.PriceFeedConfig.RefreshIntervalSeconds = 5
	if mut != nil {
		mut(cfg)
	}

	f := &apiFixture{
		cfg:    cfg,
		intake: &fakeIntake{},
		store:  state.NewStore(),
		led:    ledger.NewMemory(),
		safety: &fakeSafety{status: safety.Status{Mode: safety.ModeNormal}},
		feed:   &fakePrice{mode: pricefeed.ModeWS},
	}
	caps := &fakeCaps{snap: map[string]exchange.CapabilityRecord{}}
	f.srv = NewServer(cfg, f.intake, f.store, f.led, f.safety, f.feed, caps, zerolog.Nop())
	f.srv.now = func() time.Time { return apiNow }
	return f
}

func (f *apiFixture) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.srv.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) markAllFresh() {
	f.store.SetAccount(1000, 800, 0, apiNow)
	f.store.SetPositions(nil, apiNow)
	f.store.SetOrdersFresh(apiNow)
	f.store.SetPriceFresh(apiNow)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return body
}

func checkValue(t *testing.T, body map[string]any, name string) bool {
	t.Helper()
	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatalf("no checks map in %v", body)
	}
	v, ok := checks[name].(bool)
	if !ok {
		t.Fatalf("check %q missing in %v", name, checks)
	}
	return v
}

func TestHealthz(t *testing.T) {
	f := newTestServer(nil)

	w := f.do(http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestReadyzAllFresh(t *testing.T) {
	f := newTestServer(nil)
	f.markAllFresh()

	w := f.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["ready"] != true {
		t.Errorf("ready = %v", body["ready"])
	}
	if body["price_feed_mode"] != pricefeed.ModeWS {
		t.Errorf("price_feed_mode = %v", body["price_feed_mode"])
	}
}

func TestReadyzStaleFeedFails(t *testing.T) {
	f := newTestServer(nil)
	f.markAllFresh()
	f.store.SetOrdersFresh(apiNow.Add(-31 * time.Second))

	w := f.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["ready"] != false {
		t.Errorf("ready = %v", body["ready"])
	}
	if checkValue(t, body, "orders_fresh") {
		t.Error("orders_fresh should fail at 31s with a 15s interval")
	}
	if !checkValue(t, body, "account_fresh") {
		t.Error("account_fresh should still pass")
	}
}

func TestReadyzNeverPolledFails(t *testing.T) {
	f := newTestServer(nil)

	w := f.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	for _, name := range []string{"account_fresh", "positions_fresh", "orders_fresh", "price_fresh"} {
		if checkValue(t, body, name) {
			t.Errorf("%s should fail before the first poll", name)
		}
	}
}

func TestReadyzStopLossCoverage(t *testing.T) {
	f := newTestServer(nil)
	f.markAllFresh()
	f.store.SetPositions([]state.PositionState{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong, Size: 0.5},
	}, apiNow)

	w := f.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("uncovered position: status = %d", w.Code)
	}
	if checkValue(t, decodeBody(t, w), "sl_covered") {
		t.Error("sl_covered should fail without a stop order")
	}

	f.store.UpsertOrder(state.OrderRecord{
		Symbol:        "BTCUSDT",
		Side:          exchange.SideSell,
		Status:        exchange.StatusAcked,
		ReduceOnly:    true,
		Purpose:       state.PurposeStopLoss,
		ClientOrderID: "sl-1",
	})

	w = f.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("covered position: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestReadyzPriceFeedModeGate(t *testing.T) {
	f := newTestServer(nil)
	f.markAllFresh()
	f.feed.mode = pricefeed.ModeRest

	w := f.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded feed: status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if checkValue(t, body, "price_feed_mode") {
		t.Error("price_feed_mode should fail when a ws feed runs on REST")
	}
	if body["price_feed_degraded"] != true {
		t.Errorf("price_feed_degraded = %v", body["price_feed_degraded"])
	}

	rest := newTestServer(func(cfg *config.Config) {
		cfg.PriceFeedConfig.Mode = pricefeed.ModeRest
	})
	rest.markAllFresh()
	rest.feed.mode = pricefeed.ModeRest

	w = rest.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("configured REST: status = %d, body = %s", w.Code, w.Body.String())
	}
	if decodeBody(t, w)["price_feed_degraded"] != false {
		t.Error("configured REST is not degraded")
	}
}

func TestReadyzReportsSafetyMode(t *testing.T) {
	f := newTestServer(nil)
	f.markAllFresh()
	f.safety.status = safety.Status{Mode: safety.ModePanic, Reason: "kill switch: env"}

	w := f.do(http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["panic_mode"] != true || body["safe_mode"] != false {
		t.Errorf("modes = %v / %v", body["panic_mode"], body["safe_mode"])
	}
	if body["reason"] != "kill switch: env" {
		t.Errorf("reason = %v", body["reason"])
	}
}

func TestSignalIngest(t *testing.T) {
	f := newTestServer(nil)

	w := f.do(http.MethodPost, "/api/v1/signal", `{"source":{"chat_id":1},"parsed":{"kind":"NON_SIGNAL","confidence":0}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(f.intake.raws) != 1 {
		t.Fatalf("raws = %d", len(f.intake.raws))
	}
	if decodeBody(t, w)["status"] != "processed" {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestSignalIngestErrorMapping(t *testing.T) {
	f := newTestServer(nil)
	f.intake.rawErr = fmt.Errorf("%w: not valid JSON", signals.ErrBadPayload)

	w := f.do(http.MethodPost, "/api/v1/signal", `{"nonsense":true}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("schema violation: status = %d", w.Code)
	}

	f.intake.rawErr = errors.New("ledger down")
	w = f.do(http.MethodPost, "/api/v1/signal", `{"source":{},"parsed":{}}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("internal failure: status = %d", w.Code)
	}
}

func TestConfirmPending(t *testing.T) {
	f := newTestServer(nil)

	w := f.do(http.MethodPost, "/api/v1/pending/abc/confirm", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", w.Code)
	}

	f.intake.confirmErr = bot.ErrNoPendingPlan
	w = f.do(http.MethodPost, "/api/v1/pending/7/confirm", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d", w.Code)
	}

	f.intake.confirmErr = fmt.Errorf("%w: COOLDOWN_ACTIVE", bot.ErrConfirmationRejected)
	w = f.do(http.MethodPost, "/api/v1/pending/7/confirm", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("re-rejected: status = %d", w.Code)
	}

	f.intake.confirmErr = nil
	w = f.do(http.MethodPost, "/api/v1/pending/7/confirm", "")
	if w.Code != http.StatusOK {
		t.Fatalf("confirm: status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(f.intake.confirmed) != 1 || f.intake.confirmed[0] != 7 {
		t.Errorf("confirmed = %v", f.intake.confirmed)
	}
}

func TestStatusPayload(t *testing.T) {
	f := newTestServer(nil)
	f.markAllFresh()
	f.intake.pending = []bot.PendingEntry{{ExecutionID: 3, Symbol: "ETHUSDT", Side: "LONG", HeldAt: apiNow}}

	ctx := context.Background()
	if _, err := f.led.RecordExecution(ctx, ledger.Execution{
		SignalID: "sig-1", ActionType: ledger.ActionEntry, Symbol: "ETHUSDT", Status: ledger.StatusExecuted,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.led.RecordEvent(ctx, ledger.Event{TraceID: "t-1", Level: "WARN", EventType: "SIGNAL_REJECTED"}); err != nil {
		t.Fatal(err)
	}

	w := f.do(http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)

	for _, key := range []string{"safety", "state", "price_feed", "capabilities", "pending", "recent_executions", "recent_events"} {
		if _, ok := body[key]; !ok {
			t.Errorf("missing %q in status payload", key)
		}
	}
	if _, ok := body["ledger_error"]; ok {
		t.Error("ledger_error should be absent when the ledger works")
	}

	pending, ok := body["pending"].([]any)
	if !ok || len(pending) != 1 {
		t.Fatalf("pending = %v", body["pending"])
	}
	execs, ok := body["recent_executions"].([]any)
	if !ok || len(execs) != 1 {
		t.Fatalf("recent_executions = %v", body["recent_executions"])
	}
}

func TestSafetyEndpointsWithoutAuth(t *testing.T) {
	f := newTestServer(nil)

	w := f.do(http.MethodPost, "/api/v1/safety/kill", "")
	if w.Code != http.StatusOK {
		t.Fatalf("kill: status = %d", w.Code)
	}
	if len(f.safety.panicReasons) != 1 || f.safety.panicReasons[0] != "kill requested by unauthenticated" {
		t.Errorf("panic reasons = %v", f.safety.panicReasons)
	}

	w = f.do(http.MethodPost, "/api/v1/safety/clear-panic", "")
	if w.Code != http.StatusOK {
		t.Fatalf("clear-panic: status = %d", w.Code)
	}
	if len(f.safety.cleared) != 1 || f.safety.cleared[0] != "panic:unauthenticated" {
		t.Errorf("cleared = %v", f.safety.cleared)
	}
}

func TestClearPanicConflict(t *testing.T) {
	f := newTestServer(nil)
	f.safety.clearErr = errors.New("safety mode is NORMAL, not PANIC_CLOSE")

	w := f.do(http.MethodPost, "/api/v1/safety/clear-panic", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAuthGatedOperatorFlow(t *testing.T) {
	hash, err := auth.HashPassword("operator-pw")
	if err != nil {
		t.Fatal(err)
	}
	f := newTestServer(func(cfg *config.Config) {
		cfg.AuthConfig = config.AuthConfig{
			Enabled:              true,
			JWTSecret:            "test-secret",
			AccessTokenDuration:  time.Minute,
			OperatorEmail:        "ops@example.com",
			OperatorPasswordHash: hash,
		}
	})

	w := f.do(http.MethodGet, "/api/v1/status", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", w.Code)
	}

	w = f.do(http.MethodPost, "/api/v1/auth/login", `{"email":"ops@example.com","password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status = %d", w.Code)
	}

	w = f.do(http.MethodPost, "/api/v1/auth/login", `{"email":"ops@example.com","password":"operator-pw"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body = %s", w.Code, w.Body.String())
	}
	var login auth.LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &login); err != nil {
		t.Fatal(err)
	}
	if login.AccessToken == "" || login.TokenType != "Bearer" {
		t.Fatalf("login response = %+v", login)
	}

	bearer := "Bearer " + login.AccessToken
	w = f.do(http.MethodPost, "/api/v1/safety/kill", "", "Authorization", bearer)
	if w.Code != http.StatusOK {
		t.Fatalf("authed kill: status = %d, body = %s", w.Code, w.Body.String())
	}
	if f.safety.panicReasons[0] != "kill requested by ops@example.com" {
		t.Errorf("panic reason = %q", f.safety.panicReasons[0])
	}

	w = f.do(http.MethodPost, "/api/v1/safety/clear-panic", "", "Authorization", bearer)
	if w.Code != http.StatusOK {
		t.Fatalf("authed clear: status = %d", w.Code)
	}
	if f.safety.cleared[0] != "panic:ops@example.com" {
		t.Errorf("cleared = %v", f.safety.cleared)
	}
}
