package parley

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// Server-side integrations that cannot hold a websocket open receive the same
// envelopes as signed HTTP POSTs. The helpers here verify the signature,
// validate the delivery wrapper, and hand the inner envelope to a callback.

// WebhookSignatureHeader carries the hex-encoded HMAC-SHA256 signature of the
// raw request body.
const WebhookSignatureHeader = "X-Parley-Signature"

// webhookSource is the only source value accepted in a delivery wrapper.
const webhookSource = "parley"

// WebhookEvent is one signed delivery: a realtime envelope wrapped with
// delivery metadata.
type WebhookEvent struct {
	Source    string   `json:"source"`
	Event     string   `json:"event"`
	Timestamp int64    `json:"timestamp"`
	Envelope  Envelope `json:"envelope"`
}

// WebhookHandlerFunc is the callback signature for handling verified events.
type WebhookHandlerFunc func(event *WebhookEvent) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature checks an HMAC-SHA256 signature over the raw body.
// The signature is hex-encoded, optionally prefixed with "sha256=", and is
// compared in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(raw) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hmac.Equal(raw, mac.Sum(nil))
}

// ParseWebhookEvent parses a raw webhook body into a typed WebhookEvent. The
// inner envelope goes through the same validation the realtime channel
// applies to inbound frames.
func ParseWebhookEvent(body string) (*WebhookEvent, error) {
	var wrapper struct {
		Source    string          `json:"source"`
		Event     string          `json:"event"`
		Timestamp int64           `json:"timestamp"`
		Envelope  json.RawMessage `json:"envelope"`
	}
	if err := json.Unmarshal([]byte(body), &wrapper); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if wrapper.Source != webhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", wrapper.Source)
	}
	if wrapper.Event == "" {
		return nil, fmt.Errorf("missing event field in webhook body")
	}
	if len(wrapper.Envelope) == 0 {
		return nil, fmt.Errorf("missing envelope in webhook body")
	}

	env, err := ParseEnvelope(wrapper.Envelope)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope in webhook body: %w", err)
	}

	return &WebhookEvent{
		Source:    wrapper.Source,
		Event:     wrapper.Event,
		Timestamp: wrapper.Timestamp,
		Envelope:  *env,
	}, nil
}

// ============================================================================
// Webhook
// ============================================================================

// Webhook verifies, parses, and dispatches signed Parley webhook deliveries.
type Webhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewWebhook creates a webhook receiver for the given shared secret.
func NewWebhook(secret string, onEvent WebhookHandlerFunc) (*Webhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &Webhook{secret: secret, onEvent: onEvent}, nil
}

// Verify checks the HMAC-SHA256 signature of a raw body.
func (w *Webhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookEvent.
func (w *Webhook) Parse(body string) (*WebhookEvent, error) {
	return ParseWebhookEvent(body)
}

// Handle processes one delivery (verify + parse + callback) and returns the
// status code and response body for the caller to write.
func (w *Webhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	event, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onEvent(event); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook deliveries.
//
// Example:
//
//	wh, _ := parley.NewWebhook("secret", handler)
//	http.Handle("/parley/webhook", wh.HTTPHandler())
func (w *Webhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeWebhookJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeWebhookJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		status, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		writeWebhookJSON(rw, status, data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *Webhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

func writeWebhookJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
