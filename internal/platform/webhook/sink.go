// Package webhook delivers committed scheduling events to HTTP endpoints.
// Each POST carries the JSON message body signed with HMAC-SHA256 so the
// receiver can check it came from this server.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/scheduler/internal/domain/scheduling"
	"github.com/clinic/scheduler/internal/platform/events"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	DeliveryHeader  = "X-Webhook-Delivery"
	EventHeader     = "X-Webhook-Event"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Endpoint is a configured webhook destination. Events holds subscription
// patterns; an empty list subscribes to everything.
type Endpoint struct {
	URL    string
	Secret string
	Events []string
}

// Option configures a Sink.
type Option func(*Sink)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.httpClient = c }
}

// WithRetryDelays sets the waits between attempts. The number of attempts is
// len(delays)+1.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(s *Sink) { s.retryDelays = delays }
}

// Sink is a notification sink posting each event to every matching endpoint.
type Sink struct {
	endpoints   []Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	now         func() time.Time
}

// NewSink validates the endpoints and returns a sink with sensible defaults.
func NewSink(endpoints []Endpoint, opts ...Option) (*Sink, error) {
	for _, ep := range endpoints {
		if err := validateURL(ep.URL); err != nil {
			return nil, err
		}
	}
	s := &Sink{
		endpoints:   endpoints,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		retryDelays: []time.Duration{500 * time.Millisecond, 2 * time.Second},
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// ParseEndpoints builds endpoints from a comma separated URL list sharing one
// secret and one comma separated list of event patterns.
func ParseEndpoints(urls, secret, patterns string) ([]Endpoint, error) {
	evts := splitList(patterns)
	var out []Endpoint
	for _, u := range splitList(urls) {
		if err := validateURL(u); err != nil {
			return nil, err
		}
		out = append(out, Endpoint{URL: u, Secret: secret, Events: evts})
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url %q has no host", rawURL)
	}
	return nil
}

func (s *Sink) Name() string { return "webhook" }

// Deliver posts evt to every subscribed endpoint. Failures from separate
// endpoints are joined.
func (s *Sink) Deliver(ctx context.Context, evt scheduling.Event) error {
	payload, err := events.Payload(evt)
	if err != nil {
		return err
	}
	deliveryID := uuid.NewString()

	var errs []error
	for _, ep := range s.endpoints {
		if !subscribed(ep, string(evt.Type)) {
			continue
		}
		if err := s.deliverWithRetry(ctx, ep, deliveryID, string(evt.Type), payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ep.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) deliverWithRetry(ctx context.Context, ep Endpoint, deliveryID, eventType string, payload []byte) error {
	var err error
	for attempt := 0; ; attempt++ {
		var retry bool
		retry, err = s.post(ctx, ep, deliveryID, eventType, payload)
		if err == nil || !retry || attempt >= len(s.retryDelays) {
			return err
		}
		t := time.NewTimer(s.retryDelays[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

// post sends a single attempt. retry reports whether a later attempt could
// succeed: network errors, 429 and 5xx are retried, other 4xx are not.
func (s *Sink) post(ctx context.Context, ep Endpoint, deliveryID, eventType string, payload []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeliveryHeader, deliveryID)
	req.Header.Set(EventHeader, eventType)
	req.Header.Set(TimestampHeader, s.now().UTC().Format(time.RFC3339))
	if ep.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, ep.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, fmt.Errorf("non-2xx response: %d", resp.StatusCode)
}

// SignPayload computes the hex encoded HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header value of the form "sha256=<hex>".
func VerifySignature(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(sig))
}

// eventMatches reports whether eventType matches pattern. Patterns are exact
// ("appointment.booked"), "*", or wildcards on either side of the dot
// ("appointment.*", "*.cancelled").
func eventMatches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func subscribed(ep Endpoint, eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}
