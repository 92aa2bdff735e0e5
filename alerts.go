package vigil

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Alert is one dispatched notification.
type Alert struct {
	ID        string            `json:"id"`
	Level     Severity          `json:"level"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Source    string            `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`

	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedAt time.Time `json:"acknowledged_at,omitempty"`
}

// AlertChannel delivers alerts to some destination. Implementations must
// be safe for concurrent use.
type AlertChannel interface {
	// Name identifies the channel in logs.
	Name() string

	// Send delivers one alert. Errors are logged by the dispatcher and
	// never affect delivery to other channels.
	Send(ctx context.Context, alert Alert) error
}

// AlertDispatcher fans alerts out to the configured channels, suppressing
// repeats of the same (level, message) pair within the cooldown window.
type AlertDispatcher struct {
	mu       sync.Mutex
	cooldown time.Duration
	channels []AlertChannel
	lastSent map[string]time.Time
	history  []Alert

	// onAlert fires for every alert that passes the cooldown filter.
	onAlert func(alert Alert)
}

func newAlertDispatcher(cfg AlertingConfig) *AlertDispatcher {
	return &AlertDispatcher{
		cooldown: cfg.Cooldown,
		channels: append([]AlertChannel(nil), cfg.Channels...),
		lastSent: make(map[string]time.Time),
	}
}

// Dispatch sends an alert to all channels unless an identical alert was
// sent within the cooldown window. Returns true when the alert was
// delivered, false when it was suppressed.
func (ad *AlertDispatcher) Dispatch(ctx context.Context, alert Alert) bool {
	if alert.ID == "" {
		alert.ID = newID()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.Level == "" {
		alert.Level = SeverityMedium
	}

	key := string(alert.Level) + "|" + alert.Message

	ad.mu.Lock()
	if last, ok := ad.lastSent[key]; ok && time.Since(last) < ad.cooldown {
		ad.mu.Unlock()
		slog.Debug("alert suppressed by cooldown", "level", alert.Level, "message", alert.Message)
		return false
	}
	ad.lastSent[key] = time.Now()
	ad.history = append(ad.history, alert)
	if len(ad.history) > 1000 {
		ad.history = ad.history[len(ad.history)-1000:]
	}
	channels := append([]AlertChannel(nil), ad.channels...)
	onAlert := ad.onAlert
	ad.mu.Unlock()

	for _, ch := range channels {
		if err := ch.Send(ctx, alert); err != nil {
			slog.Error("alert delivery failed",
				"channel", ch.Name(),
				"alert", alert.ID,
				"err", err)
		}
	}
	if onAlert != nil {
		onAlert(alert)
	}
	return true
}

// AddChannel registers an additional delivery channel.
func (ad *AlertDispatcher) AddChannel(ch AlertChannel) {
	ad.mu.Lock()
	ad.channels = append(ad.channels, ch)
	ad.mu.Unlock()
}

// Acknowledge marks a dispatched alert as seen by an operator. It is
// idempotent; acknowledging an unknown id returns ErrUnknownAlert.
func (ad *AlertDispatcher) Acknowledge(id string) error {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	for i := range ad.history {
		if ad.history[i].ID != id {
			continue
		}
		if !ad.history[i].Acknowledged {
			ad.history[i].Acknowledged = true
			ad.history[i].AcknowledgedAt = time.Now()
		}
		return nil
	}
	return ErrUnknownAlert
}

// History returns copies of recently dispatched alerts, newest first.
func (ad *AlertDispatcher) History() []Alert {
	ad.mu.Lock()
	out := make([]Alert, len(ad.history))
	copy(out, ad.history)
	ad.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// evictCooldownsBefore drops stale cooldown entries. Called by the
// retention sweep to keep the dedup map bounded.
func (ad *AlertDispatcher) evictCooldownsBefore(cutoff time.Time) {
	ad.mu.Lock()
	defer ad.mu.Unlock()
	for key, t := range ad.lastSent {
		if t.Before(cutoff) {
			delete(ad.lastSent, key)
		}
	}
}

// LogChannel writes alerts to the structured log. Useful as a default
// channel and in tests.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(_ context.Context, alert Alert) error {
	slog.Warn("alert",
		"level", alert.Level,
		"title", alert.Title,
		"message", alert.Message,
		"source", alert.Source)
	return nil
}

// webhookSignatureHeader carries the hex HMAC-SHA256 of the payload.
const webhookSignatureHeader = "X-Vigil-Signature"

// webhookKeyIterations is the PBKDF2 iteration count for deriving the
// signing key from the shared secret.
const webhookKeyIterations = 4096

// WebhookChannel POSTs alerts as JSON to an HTTP endpoint. When a secret
// is configured, each request carries an HMAC-SHA256 signature of the
// body, keyed by a PBKDF2 derivation of the secret and per-channel salt.
type WebhookChannel struct {
	name       string
	url        string
	signingKey []byte
	salt       string
	client     HTTPDoer
	retryer    *Retryer
	breaker    *CircuitBreaker
}

// WebhookOption customizes a WebhookChannel.
type WebhookOption func(*WebhookChannel)

// WithWebhookSecret enables request signing with the given shared secret.
func WithWebhookSecret(secret string) WebhookOption {
	return func(w *WebhookChannel) {
		w.salt = randomHex(16)
		w.signingKey = pbkdf2.Key([]byte(secret), []byte(w.salt), webhookKeyIterations, 32, sha256.New)
	}
}

// WithWebhookClient injects a custom HTTP client, mainly for tests.
func WithWebhookClient(client HTTPDoer) WebhookOption {
	return func(w *WebhookChannel) {
		w.client = client
	}
}

// NewWebhookChannel creates a webhook delivery channel.
func NewWebhookChannel(name, url string, opts ...WebhookOption) *WebhookChannel {
	w := &WebhookChannel{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retryer: NewRetryer(RetryConfig{MaxAttempts: 3, RetryIf: IsRetryable}),
		breaker: NewCircuitBreaker(5, time.Minute),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookChannel) Name() string { return w.name }

// Send delivers the alert with retries behind a circuit breaker. A
// destination that keeps failing trips the breaker and subsequent sends
// fail fast with ErrCircuitOpen until the reset timeout passes.
func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	return w.breaker.Execute(func() error {
		result := w.retryer.Do(ctx, func() error {
			return w.post(ctx, body)
		})
		return result.LastErr
	})
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.signingKey != nil {
		mac := hmac.New(sha256.New, w.signingKey)
		mac.Write(body)
		req.Header.Set(webhookSignatureHeader, hex.EncodeToString(mac.Sum(nil)))
		req.Header.Set("X-Vigil-Salt", w.salt)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
