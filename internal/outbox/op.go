// Package outbox is the durable queue every external side effect goes through.
// Rows survive restarts, are deduplicated by idempotency key, retried with capped
// exponential backoff and drained per lane in priority then arrival order.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/domain"
)

type Target string

const (
	TargetTransport Target = "transport"
	TargetTicket    Target = "ticket"
)

var Targets = []Target{TargetTransport, TargetTicket}

type Kind string

const (
	KindMessageSend       Kind = "message.send"
	KindTicketSetStatus   Kind = "ticket.set_status"
	KindTicketAddLabel    Kind = "ticket.add_label"
	KindTicketRemoveLabel Kind = "ticket.remove_label"
	KindTicketAddComment  Kind = "ticket.add_comment"
)

type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateDone      State = "done"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Op is one queued side effect. Lane orders ops that must not overtake each other:
// one lane per recipient agent and one per ticket.
type Op struct {
	ID            string          `json:"id"`
	IdemKey       string          `json:"idem_key"`
	Target        Target          `json:"target"`
	Kind          Kind            `json:"kind"`
	Lane          string          `json:"lane"`
	Priority      domain.Priority `json:"priority"`
	TaskID        string          `json:"task_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	State         State           `json:"state"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
	Seq           int64           `json:"seq"`
	AckedAt       *time.Time      `json:"acked_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// DeliveryState projects the op onto the message lifecycle.
func (o Op) DeliveryState() domain.DeliveryState {
	switch {
	case o.AckedAt != nil:
		return domain.DeliveryAcked
	case o.State == StateDone:
		return domain.DeliverySent
	case o.State == StateFailed || o.State == StateCancelled:
		return domain.DeliveryFailed
	default:
		return domain.DeliveryPending
	}
}

// TicketPayload carries the arguments of a ticket mutation.
type TicketPayload struct {
	Ref    string        `json:"ref"`
	Status domain.Status `json:"status,omitempty"`
	Label  string        `json:"label,omitempty"`
	Key    string        `json:"key,omitempty"`
	Body   string        `json:"body,omitempty"`
}

// NewMessage wraps msg in an op keyed by the message id.
func NewMessage(msg domain.Message, taskID string) (Op, error) {
	if err := msg.Validate(); err != nil {
		return Op{}, err
	}
	if msg.Priority == "" {
		msg.Priority = domain.PriorityNormal
	}
	msg.DeliveryState = domain.DeliveryPending
	payload, err := json.Marshal(msg)
	if err != nil {
		return Op{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return Op{
		ID:       uuid.NewString(),
		IdemKey:  msg.ID,
		Target:   TargetTransport,
		Kind:     KindMessageSend,
		Lane:     "agent:" + msg.To,
		Priority: msg.Priority,
		TaskID:   taskID,
		Payload:  payload,
	}, nil
}

// NewTicket builds a ticket mutation op.
func NewTicket(kind Kind, idemKey, taskID string, priority domain.Priority, p TicketPayload) (Op, error) {
	if p.Ref == "" {
		return Op{}, fmt.Errorf("%w: ticket ref required", domain.ErrValidation)
	}
	if idemKey == "" {
		return Op{}, fmt.Errorf("%w: idempotency key required", domain.ErrValidation)
	}
	switch kind {
	case KindTicketSetStatus:
		if !p.Status.Valid() {
			return Op{}, fmt.Errorf("%w: invalid ticket status %q", domain.ErrValidation, p.Status)
		}
	case KindTicketAddLabel, KindTicketRemoveLabel:
		if p.Label == "" {
			return Op{}, fmt.Errorf("%w: label required", domain.ErrValidation)
		}
	case KindTicketAddComment:
		if p.Key == "" || p.Body == "" {
			return Op{}, fmt.Errorf("%w: comment key and body required", domain.ErrValidation)
		}
	default:
		return Op{}, fmt.Errorf("%w: unknown ticket op %s", domain.ErrValidation, kind)
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return Op{}, err
	}
	return Op{
		ID:       uuid.NewString(),
		IdemKey:  idemKey,
		Target:   TargetTicket,
		Kind:     kind,
		Lane:     "ticket:" + p.Ref,
		Priority: priority,
		TaskID:   taskID,
		Payload:  payload,
	}, nil
}
