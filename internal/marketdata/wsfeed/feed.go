// Package wsfeed is a WebSocket ingest binding that reads closed candles
// from a plain-JSON candle server (e.g. cmd/candleserver).
//
// Each frame on the wire is a Frame:
//
//	{"type":"candle","series":"binance:spot:BTCUSDT:1m","candle":{"symbol":"BTCUSDT","timeframe":"1m","open_time":1700000040,...}}
//
// Heartbeat frames ({"type":"heartbeat"}) only extend the read deadline.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"taflow/internal/model"
	"taflow/internal/registry"

	"github.com/gorilla/websocket"
)

// Frame types.
const (
	FrameCandle    = "candle"
	FrameHeartbeat = "heartbeat"
)

// ErrClosed is returned when the server closes the connection normally.
var ErrClosed = errors.New("feed closed by server")

// Frame is one message on the wire.
type Frame struct {
	Type   string        `json:"type"`
	Series string        `json:"series,omitempty"`
	Candle *model.Candle `json:"candle,omitempty"`
}

// Config holds configuration for the feed.
type Config struct {
	// URL of the candle WebSocket server, e.g. "ws://localhost:9001/ws".
	// The series id is added as the "series" query parameter.
	URL string

	// ReadTimeout bounds the silence between frames. Defaults to 2 minutes.
	ReadTimeout time.Duration

	// HandshakeTimeout defaults to 10 seconds.
	HandshakeTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 2 * time.Minute
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Feed dials one connection per ingest attempt. Reconnecting is left to the
// ingest supervisor so the guardrail sees every failure.
type Feed struct {
	cfg    Config
	dialer *websocket.Dialer

	// Optional hooks.
	OnConnect    func(series string)
	OnDisconnect func(series string, err error)
}

// New creates a Feed. Returns an error if the URL is unparseable.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wsfeed url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsfeed url: unsupported scheme %q", u.Scheme)
	}
	return &Feed{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

// Binding returns a registry binding backed by this feed.
func (f *Feed) Binding(sourceName string) registry.Binding {
	return registry.Binding{SourceName: sourceName, Ingest: f.Ingest}
}

// Ingest connects for series and pushes its closed candles into out until
// the connection drops or ctx is cancelled. It is a registry.IngestFunc.
func (f *Feed) Ingest(ctx context.Context, series model.SeriesID, out chan<- model.Candle) error {
	id := series.String()
	u, _ := url.Parse(f.cfg.URL)
	q := u.Query()
	q.Set("series", id)
	u.RawQuery = q.Encode()

	conn, _, err := f.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("wsfeed dial %s: %w", id, err)
	}
	defer conn.Close()
	log.Printf("[wsfeed] connected to %s for %s", f.cfg.URL, id)
	if f.OnConnect != nil {
		f.OnConnect(id)
	}

	// Closes the connection when ctx is cancelled to unblock ReadMessage.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-stop:
		}
	}()

	err = f.read(ctx, conn, series, out)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.OnDisconnect != nil {
		f.OnDisconnect(id, err)
	}
	return err
}

func (f *Feed) read(ctx context.Context, conn *websocket.Conn, series model.SeriesID, out chan<- model.Candle) error {
	id := series.String()
	for {
		conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrClosed
			}
			return fmt.Errorf("wsfeed read %s: %w", id, err)
		}

		var fr Frame
		if err := json.Unmarshal(raw, &fr); err != nil {
			log.Printf("[wsfeed] parse error: %v (raw: %s)", err, raw)
			continue
		}
		if fr.Type != FrameCandle {
			continue
		}
		if fr.Candle == nil || (fr.Series != "" && fr.Series != id) {
			continue
		}

		// Blocking send: candles of one series must not be dropped or reordered.
		select {
		case out <- *fr.Candle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
