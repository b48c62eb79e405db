package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryAcked   DeliveryState = "acked"
	DeliveryFailed  DeliveryState = "failed"
)

// Message is the envelope exchanged with agents. ID doubles as the idempotency key.
type Message struct {
	ID            string        `json:"id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Subject       string        `json:"subject"`
	Priority      Priority      `json:"priority"`
	Content       Content       `json:"content"`
	DeliveryState DeliveryState `json:"delivery_state,omitempty"`
	AttemptCount  int           `json:"attempt_count,omitempty"`
	QueuedAt      time.Time     `json:"queued_at"`
}

// Content is a typed message body. On the wire it is a flat object whose "type" key
// selects the shape; plain strings are rejected.
type Content struct {
	Type string
	Body map[string]any
}

const (
	ContentDelegation = "delegation"
	ContentReminder   = "reminder"
	ContentCancel     = "cancel"
	ContentEscalation = "escalation"
)

func (c Content) MarshalJSON() ([]byte, error) {
	if c.Type == "" {
		return nil, errors.New("content type required")
	}
	out := make(map[string]any, len(c.Body)+1)
	for k, v := range c.Body {
		out[k] = v
	}
	out["type"] = c.Type
	return json.Marshal(out)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("content must be a typed object: %w", err)
	}
	if raw == nil {
		return errors.New("content must be a typed object")
	}
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return errors.New("content.type must be a non-empty string")
	}
	delete(raw, "type")
	c.Type = typ
	c.Body = raw
	return nil
}

// Validate checks the envelope before it is queued.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message id required", ErrValidation)
	}
	if m.To == "" {
		return fmt.Errorf("%w: message recipient required", ErrValidation)
	}
	if m.Content.Type == "" {
		return fmt.Errorf("%w: message content type required", ErrValidation)
	}
	return nil
}
