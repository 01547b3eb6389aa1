package ingest

import (
	"context"
	"errors"
	"testing"

	redisstore "taflow/internal/store/redis"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, redisstore.Message) error { return f.err }

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	a, b := &recordingNotifier{}, &recordingNotifier{}
	boom := errors.New("boom")
	f := Fanout{a, nil, failingNotifier{err: boom}, b}

	err := f.Notify(context.Background(), redisstore.Message{Series: "binance:spot:BTCUSDT:1m"})
	if !errors.Is(err, boom) {
		t.Errorf("expected joined error, got %v", err)
	}
	if len(a.msgs) != 1 || len(b.msgs) != 1 {
		t.Errorf("a failure must not stop delivery: %d %d", len(a.msgs), len(b.msgs))
	}

	if err := (Fanout{a}).Notify(context.Background(), redisstore.Message{}); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
