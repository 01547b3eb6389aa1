// Package redis publishes closed-candle notifications on Redis Pub/Sub so
// downstream readers can poll the delta API only when something changed.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"taflow/internal/guardrail"

	goredis "github.com/go-redis/redis/v8"
)

// ErrNotifierOpen is returned while the publish guardrail is open. The
// message is buffered and published after the next successful publish.
var ErrNotifierOpen = errors.New("redis notifier guardrail open")

// Message types.
const (
	TypeCandleClosed  = "candle_closed"
	TypeLedgerUpdated = "ledger_updated"
)

// DefaultPrefix is the channel prefix; channels are "<prefix>:<series id>".
const DefaultPrefix = "taflow:candle"

// Config configures the notifier.
type Config struct {
	Addr       string
	Password   string
	DB         int
	Prefix     string
	BufferSize int // max messages held while Redis is unavailable (default: 1000)
}

// Message is the notification body. It carries identifiers only; the
// artifacts themselves are read through the delta API.
type Message struct {
	Type       string `json:"type"`
	Series     string `json:"series"`
	CandleID   string `json:"candle_id"`
	CandleTime int64  `json:"candle_time"`
	Events     int    `json:"events,omitempty"`
}

// DecodeMessage parses a Pub/Sub payload.
func DecodeMessage(payload string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return Message{}, fmt.Errorf("decode notification: %w", err)
	}
	return m, nil
}

// Channel returns the Pub/Sub channel for a series.
func Channel(prefix, series string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + ":" + series
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

type pending struct {
	channel string
	data    []byte
}

// Notifier publishes Messages behind a guardrail. While the guardrail is
// open, publishes are skipped and messages buffered (oldest dropped first).
// Messages leave the buffer in the order they were notified.
type Notifier struct {
	client *goredis.Client
	pub    publisher
	gr     *guardrail.Guardrail
	prefix string

	pubMu  sync.Mutex // serializes flushes so publish order follows buffer order
	mu     sync.Mutex
	buffer []pending
	maxBuf int

	// Callbacks (optional, for metrics)
	OnPublish func()
	OnDrop    func()

	now func() time.Time
}

// New connects to Redis and pings the server.
func New(cfg Config, gr *guardrail.Guardrail) (*Notifier, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	n := newNotifier(client, cfg, gr)
	n.client = client
	return n, nil
}

func newNotifier(pub publisher, cfg Config, gr *guardrail.Guardrail) *Notifier {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if gr == nil {
		gr = guardrail.New(guardrail.Config{Enabled: false})
	}
	return &Notifier{
		pub:    pub,
		gr:     gr,
		prefix: cfg.Prefix,
		buffer: make([]pending, 0, 64),
		maxBuf: cfg.BufferSize,
		now:    time.Now,
	}
}

// Client returns the underlying client (nil for notifiers built in tests).
func (n *Notifier) Client() *goredis.Client { return n.client }

// Guardrail returns the publish guardrail.
func (n *Notifier) Guardrail() *guardrail.Guardrail { return n.gr }

// Notify publishes m on its series channel.
func (n *Notifier) Notify(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	p := pending{channel: Channel(n.prefix, m.Series), data: data}

	n.enqueue(p)
	if wait := n.gr.BeforeAttempt(n.now()); wait > 0 {
		return ErrNotifierOpen
	}
	if err := n.flush(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}

func (n *Notifier) enqueue(p pending) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buffer = append(n.buffer, p)
	n.trimLocked()
}

// trimLocked drops the oldest messages beyond maxBuf. n.mu must be held.
func (n *Notifier) trimLocked() {
	over := len(n.buffer) - n.maxBuf
	if over <= 0 {
		return
	}
	n.buffer = n.buffer[over:]
	if n.OnDrop != nil {
		for i := 0; i < over; i++ {
			n.OnDrop()
		}
	}
}

// flush publishes buffered messages in order and stops at the first error,
// putting the unsent tail back ahead of anything enqueued meanwhile.
func (n *Notifier) flush(ctx context.Context) error {
	n.pubMu.Lock()
	defer n.pubMu.Unlock()

	n.mu.Lock()
	batch := n.buffer
	n.buffer = make([]pending, 0, 64)
	n.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	for i, p := range batch {
		if err := n.pub.Publish(ctx, p.channel, p.data).Err(); err != nil {
			n.gr.OnFailure(err, n.now())
			n.mu.Lock()
			n.buffer = append(batch[i:], n.buffer...)
			n.trimLocked()
			n.mu.Unlock()
			if i > 0 {
				log.Printf("[redis] flush stopped after %d of %d messages: %v", i, len(batch), err)
			}
			return err
		}
		if n.OnPublish != nil {
			n.OnPublish()
		}
	}
	n.gr.OnSuccess(n.now())
	if len(batch) > 1 {
		log.Printf("[redis] flushed %d buffered notifications", len(batch))
	}
	return nil
}

// Pending returns the number of buffered messages.
func (n *Notifier) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.buffer)
}

// Subscribe subscribes to the channels of the given series and waits for
// confirmation. The caller listens on .Channel() and closes the PubSub.
func (n *Notifier) Subscribe(ctx context.Context, series ...string) (*goredis.PubSub, error) {
	if n.client == nil {
		return nil, errors.New("redis notifier has no client")
	}
	channels := make([]string, len(series))
	for i, s := range series {
		channels[i] = Channel(n.prefix, s)
	}
	pubsub := n.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return pubsub, nil
}

// Close closes the Redis client.
func (n *Notifier) Close() error {
	if n.client == nil {
		return nil
	}
	return n.client.Close()
}
