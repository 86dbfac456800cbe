// Package notification delivers operational alerts (feed outages, cache
// breaker trips, ledger violations) to external channels.
package notification

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
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
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`

	// Key groups repeats of the same condition for cooldown, e.g. "feed:binance:down".
	Key string    `json:"key,omitempty"`
	TS  time.Time `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(_ context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher queues alerts and sends them from one goroutine so callers on
// hot paths never block on the network. Alerts sharing a Key are suppressed
// for Cooldown after one is sent.
type Dispatcher struct {
	notifier Notifier
	cooldown time.Duration
	queue    chan Alert
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time

	// OnDrop is called when the queue is full or an alert is suppressed.
	OnDrop func(Alert)
}

// NewDispatcher creates a Dispatcher with a queue of 64 alerts.
func NewDispatcher(n Notifier, cooldown time.Duration) *Dispatcher {
	return &Dispatcher{
		notifier: n,
		cooldown: cooldown,
		queue:    make(chan Alert, 64),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Notify enqueues alert. It never blocks.
func (d *Dispatcher) Notify(alert Alert) {
	if alert.TS.IsZero() {
		alert.TS = d.now().UTC()
	}
	if d.suppressed(alert) {
		d.dropped(alert)
		return
	}
	select {
	case d.queue <- alert:
	default:
		d.dropped(alert)
	}
}

// Run sends queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			if err := d.notifier.Send(sendCtx, a); err != nil {
				log.Printf("[notify] delivery of %q failed: %v", a.Title, err)
			}
			cancel()
		}
	}
}

func (d *Dispatcher) suppressed(a Alert) bool {
	if a.Key == "" || d.cooldown <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastSent[a.Key]; ok && a.TS.Sub(last) < d.cooldown {
		return true
	}
	d.lastSent[a.Key] = a.TS
	return false
}

func (d *Dispatcher) dropped(a Alert) {
	if d.OnDrop != nil {
		d.OnDrop(a)
	}
}

// Build returns a notifier that always logs and also posts to whichever of
// webhookURL and the Telegram chat are configured.
func Build(webhookURL, telegramToken, telegramChat string) Notifier {
	m := Multi{NewLogNotifier()}
	if webhookURL != "" {
		m = append(m, NewWebhookNotifier(webhookURL))
	}
	if telegramToken != "" && telegramChat != "" {
		m = append(m, NewTelegramNotifier(telegramToken, telegramChat))
	}
	return m
}
