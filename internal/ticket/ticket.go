// Package ticket reads and writes the external tickets tasks are mirrored to.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/status"
)

// Snapshot is a ticket as last observed. Status is the label-resolved lifecycle state.
type Snapshot struct {
	Ref            string            `json:"ref"`
	Status         domain.Status     `json:"status"`
	Blocked        bool              `json:"blocked"`
	Labels         []string          `json:"labels"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	Resolution     status.Resolution `json:"-"`
}

// Signals are the raw inputs to verification criteria.
type Signals struct {
	ChecksGreen      bool      `json:"checks_green"`
	ThreadsResolved  bool      `json:"threads_resolved"`
	ChangesRequested bool      `json:"changes_requested"`
	Mergeable        bool      `json:"mergeable"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

type Adapter interface {
	GetStatus(ctx context.Context, ref string) (Snapshot, error)
	SetStatus(ctx context.Context, ref string, s domain.Status) error
	AddLabel(ctx context.Context, ref, label string) error
	RemoveLabel(ctx context.Context, ref, label string) error
	// AddComment posts body once per key; repeating a key is a no-op.
	AddComment(ctx context.Context, ref, key, body string) error
	Signals(ctx context.Context, ref string) (Signals, error)
	Probe(ctx context.Context) error
}

type RateLimitError struct {
	Reset time.Time
	Err   error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("ticket rate limited until %s: %v", e.Reset.Format(time.RFC3339), e.Err)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrExternalUnavailable }

type ConflictError struct {
	Ref string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ticket %s conflict: %v", e.Ref, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ticket service unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return domain.ErrExternalUnavailable }

// IsTransient reports whether a ticket error is worth retrying.
func IsTransient(err error) bool {
	var (
		rate     *RateLimitError
		conflict *ConflictError
		down     *UnavailableError
	)
	return errors.As(err, &rate) || errors.As(err, &conflict) || errors.As(err, &down)
}

// snapshotFromLabels fills the resolved fields from a raw label set.
func snapshotFromLabels(ref string, labels []string, lastActivity time.Time) Snapshot {
	res := status.Resolve(labels)
	return Snapshot{
		Ref:            ref,
		Status:         res.Status,
		Blocked:        res.Blocked,
		Labels:         labels,
		LastActivityAt: lastActivity,
		Resolution:     res,
	}
}
