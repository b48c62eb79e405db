// Package transport moves message envelopes between the integrator and agents.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetline/internal/domain"
)

// Receipt acknowledges that a transport accepted a message. Duplicate is set when the
// message id had already been delivered; the second send had no effect.
type Receipt struct {
	MessageID   string    `json:"message_id"`
	Duplicate   bool      `json:"duplicate"`
	DeliveredAt time.Time `json:"delivered_at"`
}

type Transport interface {
	Send(ctx context.Context, msg domain.Message) (Receipt, error)
	Poll(ctx context.Context, agentID string) ([]domain.Message, error)
}

// RejectedError is a permanent refusal by the receiving side; retrying will not help.
type RejectedError struct {
	Recipient string
	Status    int
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("message to %s rejected (%d): %s", e.Recipient, e.Status, e.Reason)
}

func (e *RejectedError) Unwrap() error { return domain.ErrDeliveryFailure }

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) || errors.Is(err, domain.ErrValidation)
}
