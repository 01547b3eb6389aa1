package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"taflow/internal/guardrail"

	goredis "github.com/go-redis/redis/v8"
)

type fakePub struct {
	fail   bool
	sent   []string // channels, in publish order
	data   []string
	before func() // runs at the start of every publish
}

func (f *fakePub) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	if f.before != nil {
		f.before()
	}
	if f.fail {
		return goredis.NewIntResult(0, errors.New("connection refused"))
	}
	f.sent = append(f.sent, channel)
	f.data = append(f.data, string(message.([]byte)))
	return goredis.NewIntResult(1, nil)
}

func testGuardrail() *guardrail.Guardrail {
	return guardrail.New(guardrail.Config{
		Enabled:        true,
		CrashBudget:    2,
		BudgetWindow:   time.Minute,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
		OpenCooldown:   time.Minute,
	})
}

func msg(series string, t int64) Message {
	return Message{Type: TypeCandleClosed, Series: series, CandleID: "BTCUSDT:1m:" + strconv.FormatInt(t, 10), CandleTime: t}
}

func TestNotify_PublishesOnSeriesChannel(t *testing.T) {
	pub := &fakePub{}
	n := newNotifier(pub, Config{}, testGuardrail())

	if err := n.Notify(context.Background(), msg("binance:spot:BTCUSDT:1m", 1)); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(pub.sent) != 1 || pub.sent[0] != "taflow:candle:binance:spot:BTCUSDT:1m" {
		t.Fatalf("unexpected channels %v", pub.sent)
	}
	got, err := DecodeMessage(pub.data[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeCandleClosed || got.CandleTime != 1 {
		t.Errorf("unexpected message %+v", got)
	}
}

func TestNotify_GuardrailOpensAndBuffers(t *testing.T) {
	pub := &fakePub{fail: true}
	n := newNotifier(pub, Config{}, testGuardrail())
	ctx := context.Background()
	series := "binance:spot:BTCUSDT:1m"

	for i := int64(1); i <= 2; i++ {
		if err := n.Notify(ctx, msg(series, i)); err == nil || errors.Is(err, ErrNotifierOpen) {
			t.Fatalf("attempt %d: expected publish error, got %v", i, err)
		}
	}
	if n.Guardrail().CurrentState() != guardrail.StateOpen {
		t.Fatalf("expected open guardrail, got %v", n.Guardrail().CurrentState())
	}
	if err := n.Notify(ctx, msg(series, 3)); !errors.Is(err, ErrNotifierOpen) {
		t.Fatalf("expected ErrNotifierOpen, got %v", err)
	}
	if n.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", n.Pending())
	}

	// Cooldown elapses; the half-open trial flushes the backlog ahead of
	// the triggering message.
	pub.fail = false
	n.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if err := n.Notify(ctx, msg(series, 4)); err != nil {
		t.Fatalf("recovery notify: %v", err)
	}
	if n.Pending() != 0 {
		t.Errorf("pending after flush = %d", n.Pending())
	}
	if len(pub.data) != 4 {
		t.Fatalf("published %d, want 4", len(pub.data))
	}
	for i, want := range []int64{1, 2, 3, 4} {
		m, _ := DecodeMessage(pub.data[i])
		if m.CandleTime != want {
			t.Errorf("publish %d: candle_time %d, want %d", i, m.CandleTime, want)
		}
	}
	if n.Guardrail().CurrentState() != guardrail.StateClosed {
		t.Errorf("expected closed guardrail after success")
	}
}

func TestNotify_BufferDropsOldest(t *testing.T) {
	pub := &fakePub{fail: true}
	n := newNotifier(pub, Config{BufferSize: 2}, nil)
	drops := 0
	n.OnDrop = func() { drops++ }

	for i := int64(1); i <= 3; i++ {
		_ = n.Notify(context.Background(), msg("s", i))
	}
	if n.Pending() != 2 || drops != 1 {
		t.Fatalf("pending=%d drops=%d, want 2 and 1", n.Pending(), drops)
	}

	pub.fail = false
	_ = n.Notify(context.Background(), msg("s", 4))
	if len(pub.data) != 3 {
		t.Fatalf("published %d, want 3", len(pub.data))
	}
	m, _ := DecodeMessage(pub.data[0])
	if m.CandleTime != 2 {
		t.Errorf("oldest surviving message should be 2, got %d", m.CandleTime)
	}
}

func TestFlush_RequeueRespectsBufferBound(t *testing.T) {
	pub := &fakePub{fail: true}
	n := newNotifier(pub, Config{BufferSize: 2}, nil)
	drops := 0
	n.OnDrop = func() { drops++ }
	ctx := context.Background()

	_ = n.Notify(ctx, msg("s", 1))
	_ = n.Notify(ctx, msg("s", 2))
	if n.Pending() != 2 || drops != 0 {
		t.Fatalf("pending=%d drops=%d, want 2 and 0", n.Pending(), drops)
	}

	// Another notification lands while the failing flush is in flight.
	pub.before = func() {
		pub.before = nil
		n.enqueue(pending{channel: "taflow:candle:s", data: []byte(`{"candle_time":9}`)})
	}
	_ = n.Notify(ctx, msg("s", 3))
	if n.Pending() != 2 {
		t.Fatalf("pending = %d, want buffer bound 2", n.Pending())
	}
	if drops != 2 {
		t.Errorf("drops = %d, want 2", drops)
	}

	pub.fail = false
	if err := n.Notify(ctx, msg("s", 4)); err != nil {
		t.Fatal(err)
	}
	var got []int64
	for _, d := range pub.data {
		m, _ := DecodeMessage(d)
		got = append(got, m.CandleTime)
	}
	if len(got) != 2 || got[0] != 9 || got[1] != 4 {
		t.Errorf("published %v, want [9 4]", got)
	}
}

func TestChannel_DefaultPrefix(t *testing.T) {
	if got := Channel("", "a:b:C:1m"); got != "taflow:candle:a:b:C:1m" {
		t.Errorf("got %s", got)
	}
	if got := Channel("x", "s"); got != "x:s" {
		t.Errorf("got %s", got)
	}
}

func TestSubscribe_RequiresClient(t *testing.T) {
	n := newNotifier(&fakePub{}, Config{}, nil)
	if _, err := n.Subscribe(context.Background(), "s"); err == nil {
		t.Error("expected error without a client")
	}
	if err := n.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
