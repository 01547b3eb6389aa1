// Package notification delivers signal alerts to external channels
// (webhooks, Telegram) without blocking the ingest path.
package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	redisstore "taflow/internal/store/redis"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level      AlertLevel `json:"level"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Series     string     `json:"series,omitempty"`
	CandleID   string     `json:"candle_id,omitempty"`
	CandleTime int64      `json:"candle_time,omitempty"`
}

// Sender is the interface for all notification backends.
type Sender interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogSender logs alerts (useful for development).
type LogSender struct{}

func (LogSender) Send(_ context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// SignalAlerter turns ledger notifications that carry signal events into
// alerts. Notify only enqueues; Run delivers on its own goroutine so a slow
// endpoint never stalls a tick. A full queue drops the alert.
type SignalAlerter struct {
	senders []Sender
	queue   chan Alert
	timeout time.Duration

	mu      sync.Mutex
	dropped int

	// OnError is called for each failed delivery (optional).
	OnError func(err error)
}

// NewSignalAlerter creates an alerter over senders with a queue of size
// buffer (default 64).
func NewSignalAlerter(buffer int, senders ...Sender) *SignalAlerter {
	if buffer <= 0 {
		buffer = 64
	}
	return &SignalAlerter{senders: senders, queue: make(chan Alert, buffer), timeout: 10 * time.Second}
}

// Notify implements the ingest notifier. Messages without signal events are
// ignored.
func (a *SignalAlerter) Notify(_ context.Context, m redisstore.Message) error {
	if m.Type != redisstore.TypeLedgerUpdated || m.Events == 0 {
		return nil
	}
	alert := Alert{
		Level:      AlertInfo,
		Title:      "signal on " + m.Series,
		Message:    fmt.Sprintf("%d signal event(s) at candle %s", m.Events, m.CandleID),
		Series:     m.Series,
		CandleID:   m.CandleID,
		CandleTime: m.CandleTime,
	}
	select {
	case a.queue <- alert:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
	}
	return nil
}

// Dropped returns how many alerts were lost to a full queue.
func (a *SignalAlerter) Dropped() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Run delivers queued alerts to every sender until ctx is cancelled.
func (a *SignalAlerter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case alert := <-a.queue:
			for _, s := range a.senders {
				sendCtx, cancel := context.WithTimeout(ctx, a.timeout)
				err := s.Send(sendCtx, alert)
				cancel()
				if err != nil {
					log.Printf("[notify] %s: %v", alert.Title, err)
					if a.OnError != nil {
						a.OnError(err)
					}
				}
			}
		}
	}
}
