package status

import (
	"sort"
	"strings"

	"fleetline/internal/domain"
)

const (
	DimStatus   = "status"
	DimPriority = "priority"
	DimType     = "type"
	DimAssign   = "assign"

	LabelBlocked          = "blocked"
	LabelNeedsAttention   = "needs-attention"
	LabelAwaitingResponse = "awaiting-response"
)

var statusRank = map[domain.Status]int{
	domain.StatusDone:         7,
	domain.StatusMergeRelease: 6,
	domain.StatusHumanReview:  5,
	domain.StatusAIReview:     4,
	domain.StatusInProgress:   3,
	domain.StatusTodo:         2,
	domain.StatusBacklog:      1,
}

var priorityRank = map[string]int{
	"critical": 4,
	"high":     3,
	"normal":   2,
	"low":      1,
}

// Resolution is the authoritative reading of a ticket's labels.
type Resolution struct {
	Status    domain.Status
	Blocked   bool
	Priority  string
	Type      string
	Assignee  string
	Side      []string
	Discarded []string
}

// Display is the status a board should show; blocked wins over the paused status.
func (r Resolution) Display() domain.Status {
	if r.Blocked {
		return domain.StatusBlocked
	}
	return r.Status
}

// Label builds a dimensioned label such as "status:ai_review".
func Label(dim, value string) string { return dim + ":" + value }

// StatusLabel is the ticket label for s.
func StatusLabel(s domain.Status) string { return Label(DimStatus, string(s)) }

// PriorityLabel maps a task priority onto the ticket priority scale.
func PriorityLabel(p domain.Priority) string {
	if p == domain.PriorityUrgent {
		return Label(DimPriority, "critical")
	}
	return Label(DimPriority, string(p))
}

// Resolve picks one label per dimension. Status and priority follow fixed precedence;
// dimensions without a precedence order (type, assign) keep the lexically smallest value.
// The result never depends on input order.
func Resolve(labels []string) Resolution {
	var (
		res        Resolution
		statuses   []string
		priorities []string
		types      []string
		assignees  []string
	)
	seen := map[string]bool{}
	for _, raw := range labels {
		l := strings.TrimSpace(raw)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		dim, val, ok := strings.Cut(l, ":")
		if !ok {
			switch l {
			case LabelBlocked:
				res.Blocked = true
			default:
				res.Side = append(res.Side, l)
			}
			continue
		}
		switch dim {
		case DimStatus:
			if domain.Status(val) == domain.StatusBlocked {
				res.Blocked = true
				continue
			}
			if _, known := statusRank[domain.Status(val)]; known {
				statuses = append(statuses, val)
			} else {
				res.Discarded = append(res.Discarded, l)
			}
		case DimPriority:
			if _, known := priorityRank[val]; known {
				priorities = append(priorities, val)
			} else {
				res.Discarded = append(res.Discarded, l)
			}
		case DimType:
			types = append(types, val)
		case DimAssign:
			assignees = append(assignees, val)
		default:
			res.Side = append(res.Side, l)
		}
	}

	if win, lost := pick(statuses, func(v string) int { return statusRank[domain.Status(v)] }); win != "" {
		res.Status = domain.Status(win)
		res.Discarded = append(res.Discarded, prefixed(DimStatus, lost)...)
	}
	if win, lost := pick(priorities, func(v string) int { return priorityRank[v] }); win != "" {
		res.Priority = win
		res.Discarded = append(res.Discarded, prefixed(DimPriority, lost)...)
	}
	if win, lost := pickLexical(types); win != "" {
		res.Type = win
		res.Discarded = append(res.Discarded, prefixed(DimType, lost)...)
	}
	if win, lost := pickLexical(assignees); win != "" {
		res.Assignee = win
		res.Discarded = append(res.Discarded, prefixed(DimAssign, lost)...)
	}
	sort.Strings(res.Side)
	sort.Strings(res.Discarded)
	return res
}

func pick(values []string, rank func(string) int) (string, []string) {
	if len(values) == 0 {
		return "", nil
	}
	sorted := append([]string(nil), values...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i]), rank(sorted[j])
		if ri != rj {
			return ri > rj
		}
		return sorted[i] < sorted[j]
	})
	return sorted[0], sorted[1:]
}

func pickLexical(values []string) (string, []string) {
	return pick(values, func(string) int { return 0 })
}

func prefixed(dim string, values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, Label(dim, v))
	}
	return out
}
