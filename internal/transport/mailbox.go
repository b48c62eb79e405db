package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
)

// Mailbox stores envelopes in sqlite for agents that poll. The message id is the primary
// key, so resending an id is a no-op.
type Mailbox struct {
	DB  *sql.DB
	Now func() time.Time
}

func (m Mailbox) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Mailbox) Send(ctx context.Context, msg domain.Message) (Receipt, error) {
	if err := msg.Validate(); err != nil {
		return Receipt{}, err
	}
	now := m.now()
	msg.DeliveryState = domain.DeliverySent
	envelope, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: encode envelope: %v", domain.ErrValidation, err)
	}
	res, err := m.DB.ExecContext(ctx, `INSERT OR IGNORE INTO mailbox(message_id,recipient,sender,envelope_json,delivered_at) VALUES (?,?,?,?,?)`,
		msg.ID, msg.To, db.Nullable(msg.From), string(envelope), db.FormatTime(now))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: mailbox insert: %v", domain.ErrDeliveryFailure, err)
	}
	n, _ := res.RowsAffected()
	return Receipt{MessageID: msg.ID, Duplicate: n == 0, DeliveredAt: now}, nil
}

// Poll drains unread envelopes for agentID in delivery order.
func (m Mailbox) Poll(ctx context.Context, agentID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithTx(ctx, m.DB, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT message_id,envelope_json FROM mailbox WHERE recipient=? AND polled_at IS NULL ORDER BY delivered_at, message_id`, agentID)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id, envelope string
			if err := rows.Scan(&id, &envelope); err != nil {
				rows.Close()
				return err
			}
			var msg domain.Message
			if err := json.Unmarshal([]byte(envelope), &msg); err != nil {
				rows.Close()
				return fmt.Errorf("decode envelope %s: %w", id, err)
			}
			out = append(out, msg)
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		polled := db.FormatTime(m.now())
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE mailbox SET polled_at=? WHERE message_id=?`, polled, id); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Probe checks the backing store.
func (m Mailbox) Probe(ctx context.Context) error {
	if err := m.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrExternalUnavailable, err)
	}
	return nil
}
