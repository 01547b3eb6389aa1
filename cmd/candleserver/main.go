// Command candleserver is a demo WebSocket candle server.
// Broadcasts simulated closed candles for running taflow without an
// exchange connection. Frames use the wsfeed wire format.
//
// Each series runs on an accelerated clock: every CANDLE_INTERVAL_MS one
// candle closes and the series' virtual time advances by its timeframe.
//
// Config (env vars):
//
//	CANDLE_SERVER_ADDR   listen address (default: ":9001")
//	CANDLE_SERIES        comma-separated series ids (default: "binance:spot:BTCUSDT:1m")
//	CANDLE_INTERVAL_MS   wall-clock interval between closes (default: "1000")
//	CANDLE_START         unix seconds of the first open_time (default: now, aligned)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"taflow/internal/marketdata/wsfeed"
	"taflow/internal/model"

	"github.com/gorilla/websocket"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	series string // empty: all series
	ch     chan []byte
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn, series string) chan []byte {
	c := &client{series: series, ch: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c.ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(series string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.series != "" && c.series != series {
			continue
		}
		select {
		case c.ch <- msg:
		default: // slow client: drop, the consumer reconciles from its store
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		series := r.URL.Query().Get("series")
		if series != "" {
			id, err := model.ParseSeriesID(series)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			series = id.String()
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[candleserver] upgrade error: %v", err)
			return
		}
		log.Printf("[candleserver] client connected: %s (series=%q)", r.RemoteAddr, series)

		ch := h.register(conn, series)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[candleserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Reader: detects client close.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		heartbeat := time.NewTicker(30 * time.Second)
		defer heartbeat.Stop()
		hb, _ := json.Marshal(wsfeed.Frame{Type: wsfeed.FrameHeartbeat})

		for {
			var msg []byte
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg = m
			case <-heartbeat.C:
				msg = hb
			case <-gone:
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Candle generator ────────────────────────────────────────────────────────

// simSeries holds per-series simulation state.
type simSeries struct {
	id    model.SeriesID
	tf    int64
	next  int64 // open_time of the next candle
	price float64
}

// walk applies a small random walk (±0.2%) and returns the closed candle.
func (s *simSeries) walk(rng *rand.Rand) model.Candle {
	open := s.price
	hi, lo := open, open
	price := open
	for i := 0; i < 4; i++ {
		price *= 1 + (rng.Float64()*0.4-0.2)/100
		if price > hi {
			hi = price
		}
		if price < lo {
			lo = price
		}
	}
	s.price = price
	c := model.Candle{
		Symbol:    s.id.Symbol,
		Timeframe: s.id.Timeframe,
		OpenTime:  s.next,
		Open:      open,
		High:      hi,
		Low:       lo,
		Close:     price,
		Volume:    float64(rng.Intn(100) + 1),
	}
	s.next += s.tf
	return c
}

func runGenerator(h *hub, series []*simSeries, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for range ticker.C {
		for _, s := range series {
			c := s.walk(rng)
			id := s.id.String()
			b, err := json.Marshal(wsfeed.Frame{Type: wsfeed.FrameCandle, Series: id, Candle: &c})
			if err != nil {
				continue
			}
			h.broadcast(id, b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[candleserver] starting demo candle server...")

	addr := envOrDefault("CANDLE_SERVER_ADDR", ":9001")
	seriesEnv := envOrDefault("CANDLE_SERIES", "binance:spot:BTCUSDT:1m")
	intervalMs := envIntOrDefault("CANDLE_INTERVAL_MS", 1000)
	start := int64(envIntOrDefault("CANDLE_START", int(time.Now().Unix())))

	series, err := parseSeries(seriesEnv, start)
	if err != nil {
		log.Fatalf("[candleserver] %v", err)
	}
	for _, s := range series {
		log.Printf("[candleserver] series %s from %d", s.id, s.next)
	}
	log.Printf("[candleserver] close interval: %dms", intervalMs)

	h := newHub()
	go runGenerator(h, series, time.Duration(intervalMs)*time.Millisecond)

	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"candleserver"}`)
	})

	log.Printf("[candleserver] listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[candleserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSeries(s string, start int64) ([]*simSeries, error) {
	defaultPrices := map[string]float64{
		"BTCUSDT": 65000,
		"ETHUSDT": 3200,
	}

	var result []*simSeries
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := model.ParseSeriesID(part)
		if err != nil {
			return nil, err
		}
		tf, _ := id.TimeframeSeconds()
		price := defaultPrices[id.Symbol]
		if price == 0 {
			price = 100
		}
		result = append(result, &simSeries{id: id, tf: tf, next: start - start%tf, price: price})
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no series configured via CANDLE_SERIES")
	}
	return result, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
