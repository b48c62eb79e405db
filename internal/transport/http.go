package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetline/internal/domain"
)

const defaultPushTimeout = 10 * time.Second

// Resolver maps an agent id to its push endpoint; "" means the agent polls.
type Resolver func(ctx context.Context, agentID string) (string, error)

// Push POSTs envelopes to agents that expose an endpoint and falls back to the mailbox
// for everyone else. Receivers dedupe on the X-Fleetline-Message-Id header.
type Push struct {
	Mailbox Mailbox
	Resolve Resolver
	Client  *http.Client
	Now     func() time.Time
}

func NewPush(mailbox Mailbox, resolve Resolver, timeout time.Duration) *Push {
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	return &Push{
		Mailbox: mailbox,
		Resolve: resolve,
		Client:  &http.Client{Timeout: timeout},
		Now:     time.Now,
	}
}

func (p *Push) Send(ctx context.Context, msg domain.Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}
	endpoint := ""
	if p.Resolve != nil {
		var err error
		endpoint, err = p.Resolve(ctx, msg.To)
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: resolve %s: %v", domain.ErrDeliveryFailure, msg.To, err)
		}
	}
	if strings.TrimSpace(endpoint) == "" {
		return p.Mailbox.Send(ctx, msg)
	}
	if err := p.post(ctx, endpoint, msg); err != nil {
		return Receipt{}, err
	}
	return Receipt{MessageID: msg.ID, DeliveredAt: p.Now()}, nil
}

func (p *Push) Poll(ctx context.Context, agentID string) ([]domain.Message, error) {
	return p.Mailbox.Poll(ctx, agentID)
}

func (p *Push) Probe(ctx context.Context) error {
	return p.Mailbox.Probe(ctx)
}

func (p *Push) post(ctx context.Context, endpoint string, msg domain.Message) error {
	msg.DeliveryState = domain.DeliverySent
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", domain.ErrValidation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return &RejectedError{Recipient: msg.To, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleetline-Message-Id", msg.ID)
	req.Header.Set("X-Fleetline-Content-Type", msg.Content.Type)
	res, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: post to %s: %v", domain.ErrDeliveryFailure, msg.To, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	reason := strings.TrimSpace(string(body))
	switch {
	case res.StatusCode == http.StatusConflict:
		// already seen by the receiver
		return nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return fmt.Errorf("%w: %s answered %d: %s", domain.ErrDeliveryFailure, msg.To, res.StatusCode, reason)
	default:
		return &RejectedError{Recipient: msg.To, Status: res.StatusCode, Reason: reason}
	}
}
