// Package status holds the task lifecycle graph, ticket label precedence and the
// closure-evidence policy. It is pure: no I/O, no clocks.
package status

import (
	"fleetline/internal/domain"
)

// forward lists the directed lifecycle edges. Blocking and cancelling are handled
// separately because they apply to every non-terminal state.
var forward = map[domain.Status][]domain.Status{
	domain.StatusBacklog:      {domain.StatusTodo},
	domain.StatusTodo:         {domain.StatusInProgress},
	domain.StatusInProgress:   {domain.StatusAIReview},
	domain.StatusAIReview:     {domain.StatusHumanReview, domain.StatusMergeRelease},
	domain.StatusHumanReview:  {domain.StatusMergeRelease, domain.StatusDone},
	domain.StatusMergeRelease: {domain.StatusDone},
}

// StartStates are the states a task may be created in.
var StartStates = []domain.Status{domain.StatusBacklog, domain.StatusTodo}

// IsStart reports whether s is a legal initial state.
func IsStart(s domain.Status) bool {
	for _, v := range StartStates {
		if v == s {
			return true
		}
	}
	return false
}

// Check validates from -> to. blockedFrom is the state a blocked task was paused in and
// is ignored unless from is blocked.
func Check(from, to domain.Status, blockedFrom *domain.Status) error {
	if !from.Valid() || !to.Valid() || from.Terminal() || from == to {
		return &domain.InvalidTransitionError{From: from, To: to}
	}
	switch to {
	case domain.StatusCancelled:
		return nil
	case domain.StatusBlocked:
		return nil
	}
	if from == domain.StatusBlocked {
		if blockedFrom != nil && *blockedFrom == to {
			return nil
		}
		return &domain.InvalidTransitionError{From: from, To: to}
	}
	for _, next := range forward[from] {
		if next == to {
			return nil
		}
	}
	return &domain.InvalidTransitionError{From: from, To: to}
}

// Next returns the forward state a DONE result moves a task into.
func Next(from domain.Status) (domain.Status, bool) {
	switch from {
	case domain.StatusTodo:
		return domain.StatusInProgress, true
	case domain.StatusInProgress:
		return domain.StatusAIReview, true
	case domain.StatusAIReview:
		return domain.StatusMergeRelease, true
	case domain.StatusHumanReview:
		return domain.StatusMergeRelease, true
	case domain.StatusMergeRelease:
		return domain.StatusDone, true
	}
	return "", false
}

// Irreversible reports whether entering to requires a completed verification run.
func Irreversible(to domain.Status) bool {
	return to == domain.StatusMergeRelease
}
