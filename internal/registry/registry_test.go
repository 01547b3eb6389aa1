package registry

import (
	"context"
	"errors"
	"testing"

	"taflow/internal/model"
)

func noopIngest(ctx context.Context, _ model.SeriesID, _ chan<- model.Candle) error {
	<-ctx.Done()
	return nil
}

func mustSeries(t *testing.T, s string) model.SeriesID {
	t.Helper()
	id, err := model.ParseSeriesID(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return id
}

func TestRegistry_LookupCaseInsensitive(t *testing.T) {
	reg := New()
	if err := reg.Register("Binance", Binding{SourceName: "binance-ws", Ingest: noopIngest}); err != nil {
		t.Fatal(err)
	}
	b, err := reg.Lookup(" BINANCE ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if b.SourceName != "binance-ws" {
		t.Errorf("expected binance-ws, got %s", b.SourceName)
	}
}

func TestRegistry_UnsupportedExchange(t *testing.T) {
	reg := New()
	_, err := reg.Lookup("kraken")
	if !errors.Is(err, ErrUnsupportedExchange) {
		t.Fatalf("expected ErrUnsupportedExchange, got %v", err)
	}
}

func TestRegistry_RejectsDuplicatesAndNil(t *testing.T) {
	reg := New()
	_ = reg.Register("okx", Binding{SourceName: "a", Ingest: noopIngest})
	if err := reg.Register("OKX", Binding{SourceName: "b", Ingest: noopIngest}); !errors.Is(err, ErrDuplicateBinding) {
		t.Errorf("expected ErrDuplicateBinding, got %v", err)
	}
	if err := reg.Register("bybit", Binding{SourceName: "c"}); err == nil {
		t.Error("expected error for nil ingest func")
	}
	reg.Replace("okx", Binding{SourceName: "b", Ingest: noopIngest})
	if b, _ := reg.Lookup("okx"); b.SourceName != "b" {
		t.Errorf("Replace did not overwrite, got %s", b.SourceName)
	}
}

func TestRouter_FoldsDerivedTimeframes(t *testing.T) {
	reg := New()
	_ = reg.Register("binance", Binding{SourceName: "binance-ws", Ingest: noopIngest})
	r, err := NewRouter(reg, "1m", []string{"5m", "15m"})
	if err != nil {
		t.Fatal(err)
	}

	derived := mustSeries(t, "binance:spot:BTCUSDT:5m")
	base, b, err := r.Resolve(derived)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if base.String() != "binance:spot:BTCUSDT:1m" {
		t.Errorf("expected base 1m series, got %s", base)
	}
	if b.SourceName != "binance-ws" {
		t.Errorf("expected binance-ws binding, got %s", b.SourceName)
	}
	if derived.String() != "binance:spot:BTCUSDT:5m" {
		t.Errorf("derived id must stay distinct, got %s", derived)
	}

	plain := mustSeries(t, "binance:spot:BTCUSDT:1h")
	if got := r.BaseSeries(plain); got != plain {
		t.Errorf("non-derived series must map to itself, got %s", got)
	}
}

func TestRouter_ResolveUnknownExchange(t *testing.T) {
	r, _ := NewRouter(New(), "1m", nil)
	_, _, err := r.Resolve(mustSeries(t, "ftx:spot:BTCUSD:1m"))
	if !errors.Is(err, ErrUnsupportedExchange) {
		t.Errorf("expected ErrUnsupportedExchange, got %v", err)
	}
}

func TestNewRouter_ValidatesTimeframes(t *testing.T) {
	if _, err := NewRouter(New(), "1m", []string{"90s"}); err == nil {
		t.Error("expected error for non-multiple derived timeframe")
	}
	if _, err := NewRouter(New(), "bogus", nil); err == nil {
		t.Error("expected error for invalid base timeframe")
	}
}

func TestRegistry_ExchangesSorted(t *testing.T) {
	reg := New()
	for _, name := range []string{"OKX", "binance", "Bybit"} {
		if err := reg.Register(name, Binding{SourceName: name, Ingest: noopIngest}); err != nil {
			t.Fatal(err)
		}
	}
	got := reg.Exchanges()
	want := []string{"binance", "bybit", "okx"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestRouter_ExpandOrdersByDuration(t *testing.T) {
	r, err := NewRouter(New(), "1m", []string{"1h", "5m", "15m", "5m"})
	if err != nil {
		t.Fatal(err)
	}
	tfs := r.DerivedTimeframes()
	if len(tfs) != 3 || tfs[0] != "5m" || tfs[1] != "15m" || tfs[2] != "1h" {
		t.Fatalf("unexpected derived order %v", tfs)
	}

	got := r.Expand(mustSeries(t, "binance:spot:BTCUSDT:15m"))
	want := []string{
		"binance:spot:BTCUSDT:1m",
		"binance:spot:BTCUSDT:5m",
		"binance:spot:BTCUSDT:15m",
		"binance:spot:BTCUSDT:1h",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d series, got %v", len(want), got)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("series %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}
