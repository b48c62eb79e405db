package ticket

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetline/internal/domain"
	"fleetline/internal/status"
)

type memTicket struct {
	labels       map[string]bool
	comments     map[string]string
	signals      Signals
	lastActivity time.Time
}

// Memory is an in-process ticket system used for local runs and tests. It can be
// switched unavailable to simulate an outage. Writes made through the adapter are not
// counted as outside activity.
type Memory struct {
	mu          sync.Mutex
	tickets     map[string]*memTicket
	unavailable bool
	ops         []string
	probes      int
}

func NewMemory() *Memory {
	return &Memory{tickets: map[string]*memTicket{}}
}

var errMemoryDown = errors.New("memory ticket system switched off")

// SetUnavailable toggles the simulated outage.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

// Ops returns every successful mutation in application order.
func (m *Memory) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func (m *Memory) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// SetSignals replaces the verification inputs of ref.
func (m *Memory) SetSignals(ref string, s Signals) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.get(ref)
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = t.lastActivity
	}
	t.signals = s
	if s.LastActivityAt.After(t.lastActivity) {
		t.lastActivity = s.LastActivityAt
	}
}

// Touch records outside activity on ref at the given time.
func (m *Memory) Touch(ref string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.get(ref)
	t.lastActivity = at
	t.signals.LastActivityAt = at
}

// Comments returns the bodies posted to ref keyed by dedupe key.
func (m *Memory) Comments(ref string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for k, v := range m.get(ref).comments {
		out[k] = v
	}
	return out
}

func (m *Memory) get(ref string) *memTicket {
	t, ok := m.tickets[ref]
	if !ok {
		t = &memTicket{labels: map[string]bool{}, comments: map[string]string{}}
		m.tickets[ref] = t
	}
	return t
}

func (m *Memory) check() error {
	if m.unavailable {
		return &UnavailableError{Err: errMemoryDown}
	}
	return nil
}

func (m *Memory) GetStatus(_ context.Context, ref string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Snapshot{}, err
	}
	t := m.get(ref)
	labels := make([]string, 0, len(t.labels))
	for l := range t.labels {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return snapshotFromLabels(ref, labels, t.lastActivity), nil
}

// SetStatus swaps the status label; blocked is an extra label so the paused state stays visible.
func (m *Memory) SetStatus(_ context.Context, ref string, s domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	t := m.get(ref)
	if s == domain.StatusBlocked {
		t.labels[status.LabelBlocked] = true
	} else {
		delete(t.labels, status.LabelBlocked)
		for l := range t.labels {
			if strings.HasPrefix(l, status.DimStatus+":") {
				delete(t.labels, l)
			}
		}
		t.labels[status.StatusLabel(s)] = true
	}
	m.ops = append(m.ops, fmt.Sprintf("set_status %s %s", ref, s))
	return nil
}

func (m *Memory) AddLabel(_ context.Context, ref, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.get(ref).labels[label] = true
	m.ops = append(m.ops, fmt.Sprintf("add_label %s %s", ref, label))
	return nil
}

func (m *Memory) RemoveLabel(_ context.Context, ref, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	delete(m.get(ref).labels, label)
	m.ops = append(m.ops, fmt.Sprintf("remove_label %s %s", ref, label))
	return nil
}

func (m *Memory) AddComment(_ context.Context, ref, key, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	t := m.get(ref)
	if _, dup := t.comments[key]; dup {
		return nil
	}
	t.comments[key] = body
	m.ops = append(m.ops, fmt.Sprintf("add_comment %s %s", ref, key))
	return nil
}

func (m *Memory) Signals(_ context.Context, ref string) (Signals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Signals{}, err
	}
	t := m.get(ref)
	s := t.signals
	s.LastActivityAt = t.lastActivity
	return s, nil
}

func (m *Memory) Probe(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes++
	return m.check()
}
