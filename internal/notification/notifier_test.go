package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	redisstore "taflow/internal/store/redis"
)

type captureSender struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureSender) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func signalMsg(events int) redisstore.Message {
	return redisstore.Message{
		Type:       redisstore.TypeLedgerUpdated,
		Series:     "binance:spot:BTCUSDT:1m",
		CandleID:   "BTCUSDT:1m:120",
		CandleTime: 120,
		Events:     events,
	}
}

func TestSignalAlerter_OnlySignals(t *testing.T) {
	sink := &captureSender{}
	failing := &captureSender{err: errors.New("down")}
	a := NewSignalAlerter(4, failing, sink)
	var errs int
	a.OnError = func(error) { errs++ }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Notify(ctx, signalMsg(0))
	a.Notify(ctx, redisstore.Message{Type: redisstore.TypeCandleClosed, Events: 1})
	a.Notify(ctx, signalMsg(2))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if sink.count() != 1 {
		t.Fatalf("expected 1 alert, got %d", sink.count())
	}
	got := sink.alerts[0]
	if got.Series != "binance:spot:BTCUSDT:1m" || got.CandleTime != 120 || got.Level != AlertInfo {
		t.Errorf("unexpected alert %+v", got)
	}
	if errs != 1 {
		t.Errorf("failing sender should report once, got %d", errs)
	}
}

func TestSignalAlerter_DropsWhenFull(t *testing.T) {
	a := NewSignalAlerter(1, &captureSender{})
	a.Notify(context.Background(), signalMsg(1))
	a.Notify(context.Background(), signalMsg(1))
	if a.Dropped() != 1 {
		t.Errorf("expected 1 drop, got %d", a.Dropped())
	}
}

func TestWebhookSender(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.URL).Send(context.Background(), Alert{Level: AlertInfo, Title: "t", Series: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if body["series"] != "s" || body["ts"] == nil {
		t.Errorf("unexpected payload %v", body)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()
	if err := NewWebhookSender(bad.URL).Send(context.Background(), Alert{}); err == nil {
		t.Error("expected error on 502")
	}
}

func TestTelegramSender(t *testing.T) {
	var path string
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), Alert{Level: AlertInfo, Title: "a.b", Message: "m"}); err != nil {
		t.Fatal(err)
	}
	if path != "/botTOKEN/sendMessage" || body["chat_id"] != "42" {
		t.Errorf("unexpected request %s %v", path, body)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	if got := escapeMarkdown("a.b_c"); got != `a\.b\_c` {
		t.Errorf("got %q", got)
	}
}
