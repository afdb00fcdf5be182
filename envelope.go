package parley

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Realtime Envelope
// ============================================================================

// MessageKind is the closed set of realtime frame types this engine knows.
// Heartbeat kinds (ping, pong) never reach handlers; unknown wire types map
// to KindUnknown and reach the wildcard channel only.
type MessageKind string

const (
	KindPing               MessageKind = "ping"
	KindPong               MessageKind = "pong"
	KindNotification       MessageKind = "notification"
	KindNotificationUpdate MessageKind = "notification_update"
	KindError              MessageKind = "error"
	KindUnknown            MessageKind = "unknown"
)

// Envelope is the wire shape of every realtime frame.
type Envelope struct {
	Type           string          `json:"type"`
	Notification   *Notification   `json:"notification,omitempty"`
	NotificationID string          `json:"notification_id,omitempty"`
	Updates        json.RawMessage `json:"updates,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// Kind maps the wire type onto the closed kind set.
func (e *Envelope) Kind() MessageKind {
	switch e.Type {
	case "ping":
		return KindPing
	case "pong":
		return KindPong
	case "notification":
		return KindNotification
	case "notification_update":
		return KindNotificationUpdate
	case "error":
		return KindError
	default:
		return KindUnknown
	}
}

// ParseEnvelope parses and validates one inbound realtime frame.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON in realtime frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("missing type field in realtime frame")
	}

	switch env.Kind() {
	case KindNotification:
		if env.Notification == nil || env.Notification.ID == "" {
			return nil, fmt.Errorf("notification frame missing notification payload")
		}
	case KindNotificationUpdate:
		if env.NotificationID == "" {
			return nil, fmt.Errorf("notification_update frame missing notification_id")
		}
		if len(env.Updates) == 0 {
			return nil, fmt.Errorf("notification_update frame missing updates")
		}
	}

	return &env, nil
}

// DecodeUpdates unmarshals the opaque updates object into v.
func (e *Envelope) DecodeUpdates(v any) error {
	if len(e.Updates) == 0 {
		return nil
	}
	return json.Unmarshal(e.Updates, v)
}
