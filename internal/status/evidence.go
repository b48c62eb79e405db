package status

import (
	"fmt"

	"fleetline/internal/domain"
)

// MinFailedRepros is how many independent failed reproductions close a defect without a fix.
const MinFailedRepros = 3

// RequiresClosure reports whether finishing a task of kind k closes something external.
func RequiresClosure(k domain.Kind) bool {
	switch k {
	case domain.KindReview, domain.KindFix, domain.KindRelease:
		return true
	}
	return false
}

// CheckClosure refuses a done transition that lacks evidence. There is no inactivity path.
func CheckClosure(k domain.Kind, ev *domain.Evidence) error {
	if !RequiresClosure(k) {
		return nil
	}
	if ev != nil && ev.LinkedPR != "" && ev.PRMerged {
		return nil
	}
	if k == domain.KindFix && ev != nil {
		if ev.VerifiedFix {
			return nil
		}
		if independentRepros(ev.FailedRepros) >= MinFailedRepros {
			return nil
		}
	}
	if k == domain.KindFix {
		return fmt.Errorf("%w: %s task needs a merged PR, a verified fix, or %d failed reproductions", domain.ErrValidation, k, MinFailedRepros)
	}
	return fmt.Errorf("%w: %s task needs a linked merged PR", domain.ErrValidation, k)
}

func independentRepros(attempts []domain.ReproAttempt) int {
	seen := map[string]bool{}
	for _, a := range attempts {
		if a.By == "" || a.At.IsZero() {
			continue
		}
		seen[a.By+"|"+a.At.UTC().String()] = true
	}
	return len(seen)
}
