package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"taflow/internal/model"
	redisstore "taflow/internal/store/redis"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamClient is a single WebSocket peer.
type streamClient struct {
	conn   *websocket.Conn
	send   chan []byte
	series map[string]bool // empty: every series
}

func (c *streamClient) wants(series string) bool {
	return len(c.series) == 0 || c.series[series]
}

// Stream fans closed-candle notifications out to WebSocket clients. A client
// that receives a notification reads the new artifacts through /api/v1/delta.
//
// Stream implements the ingest notifier, so it can be fed in-process by the
// pipeline or from Redis via Relay.
type Stream struct {
	mu      sync.RWMutex
	clients map[*streamClient]bool
	log     *slog.Logger
}

// NewStream creates an empty Stream. A nil logger uses slog.Default.
func NewStream(log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{clients: make(map[*streamClient]bool), log: log.With("component", "stream")}
}

// ServeHTTP upgrades to a WebSocket. The optional "series" query parameter
// is a comma-separated filter of series ids.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	filter := make(map[string]bool)
	for _, raw := range splitList(r.URL.Query().Get("series")) {
		id, err := model.ParseSeriesID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter[id.String()] = true
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{conn: conn, send: make(chan []byte, 256), series: filter}
	s.mu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.log.Info("stream client connected", "clients", count)

	go s.writePump(c)
	go s.readPump(c)
}

// Notify broadcasts m to every client subscribed to its series. Slow clients
// drop messages; they recover through the delta cursor.
func (s *Stream) Notify(_ context.Context, m redisstore.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.broadcast(m.Series, data)
	return nil
}

// Relay forwards messages from a Redis subscription until ctx is cancelled
// or the subscription closes.
func (s *Stream) Relay(ctx context.Context, pubsub *goredis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m, err := redisstore.DecodeMessage(msg.Payload)
			if err != nil {
				s.log.Warn("relay decode failed", "channel", msg.Channel, "error", err)
				continue
			}
			s.broadcast(m.Series, []byte(msg.Payload))
		}
	}
}

// ClientCount returns the number of connected clients.
func (s *Stream) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Stream) broadcast(series string, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		if !c.wants(series) {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c] {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Stream) writePump(c *streamClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Stream) readPump(c *streamClient) {
	defer func() {
		s.remove(c)
		c.conn.Close()
		s.log.Info("stream client disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
