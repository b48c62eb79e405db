package status

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/domain"
)

type edge struct{ from, to domain.Status }

// allowedEdges is written out by hand so the test does not share tables with the code.
func allowedEdges() map[edge]bool {
	m := map[edge]bool{
		{domain.StatusBacklog, domain.StatusTodo}:             true,
		{domain.StatusTodo, domain.StatusInProgress}:          true,
		{domain.StatusInProgress, domain.StatusAIReview}:      true,
		{domain.StatusAIReview, domain.StatusHumanReview}:     true,
		{domain.StatusAIReview, domain.StatusMergeRelease}:    true,
		{domain.StatusHumanReview, domain.StatusMergeRelease}: true,
		{domain.StatusHumanReview, domain.StatusDone}:         true,
		{domain.StatusMergeRelease, domain.StatusDone}:        true,
	}
	for _, s := range domain.Statuses {
		if s.Terminal() {
			continue
		}
		m[edge{s, domain.StatusCancelled}] = true
		if s != domain.StatusBlocked {
			m[edge{s, domain.StatusBlocked}] = true
		}
	}
	return m
}

func TestCheckMatchesGraphExhaustively(t *testing.T) {
	allowed := allowedEdges()
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			if from == domain.StatusBlocked {
				continue
			}
			err := Check(from, to, nil)
			if allowed[edge{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition, "%s -> %s", from, to)
			}
		}
	}
}

func TestBlockedReturnsOnlyToPausedState(t *testing.T) {
	paused := domain.StatusAIReview
	for _, to := range domain.Statuses {
		err := Check(domain.StatusBlocked, to, &paused)
		switch to {
		case domain.StatusAIReview, domain.StatusCancelled:
			assert.NoError(t, err, to)
		default:
			assert.Error(t, err, to)
		}
	}
	require.Error(t, Check(domain.StatusBlocked, domain.StatusTodo, nil))
}

func TestRandomTransitionRequestsRejectNonEdges(t *testing.T) {
	allowed := allowedEdges()
	pool := append([]domain.Status{"", "open", "DONE", "in-progress"}, domain.Statuses...)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20000; i++ {
		from := pool[rng.Intn(len(pool))]
		to := pool[rng.Intn(len(pool))]
		if from == domain.StatusBlocked {
			continue
		}
		err := Check(from, to, nil)
		if allowed[edge{from, to}] {
			require.NoError(t, err, "%s -> %s", from, to)
			continue
		}
		var invalid *domain.InvalidTransitionError
		require.True(t, errors.As(err, &invalid), "%q -> %q must be rejected", from, to)
		assert.Equal(t, from, invalid.From)
		assert.Equal(t, to, invalid.To)
	}
}

func FuzzCheck(f *testing.F) {
	f.Add("todo", "in_progress")
	f.Add("done", "todo")
	f.Add("backlog", "done")
	allowed := allowedEdges()
	f.Fuzz(func(t *testing.T, from, to string) {
		if domain.Status(from) == domain.StatusBlocked {
			return
		}
		err := Check(domain.Status(from), domain.Status(to), nil)
		if allowed[edge{domain.Status(from), domain.Status(to)}] != (err == nil) {
			t.Fatalf("%q -> %q: err=%v", from, to, err)
		}
	})
}

func TestNextFollowsGraph(t *testing.T) {
	for _, from := range domain.Statuses {
		next, ok := Next(from)
		if !ok {
			continue
		}
		assert.NoError(t, Check(from, next, nil), "%s -> %s", from, next)
	}
	next, ok := Next(domain.StatusInProgress)
	require.True(t, ok)
	assert.Equal(t, domain.StatusAIReview, next)
	_, ok = Next(domain.StatusDone)
	assert.False(t, ok)
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := append(append([]string(nil), in[:i]...), in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}

func TestResolveIsOrderIndependent(t *testing.T) {
	labels := []string{"status:ai_review", "status:done", "status:blocked"}
	var first Resolution
	for i, p := range permutations(labels) {
		res := Resolve(p)
		assert.Equal(t, domain.StatusDone, res.Status)
		assert.True(t, res.Blocked)
		assert.Equal(t, domain.StatusBlocked, res.Display())
		assert.Equal(t, []string{"status:ai_review"}, res.Discarded)
		if i == 0 {
			first = res
		} else {
			assert.Equal(t, first, res)
		}
	}
}

func TestResolvePriorityAndSideLabels(t *testing.T) {
	res := Resolve([]string{"priority:low", "needs-attention", "priority:critical", "priority:high", "type:fix", "type:docs", "assign:w2", "assign:w1"})
	assert.Equal(t, "critical", res.Priority)
	assert.Equal(t, "docs", res.Type)
	assert.Equal(t, "w1", res.Assignee)
	assert.Equal(t, []string{"needs-attention"}, res.Side)
	assert.Equal(t, []string{"assign:w2", "priority:high", "priority:low", "type:fix"}, res.Discarded)
	assert.False(t, res.Blocked)
	assert.Equal(t, domain.Status(""), res.Display())
}

func TestCheckClosure(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, CheckClosure(domain.KindVerify, nil))
	require.ErrorIs(t, CheckClosure(domain.KindReview, nil), domain.ErrValidation)
	require.ErrorIs(t, CheckClosure(domain.KindRelease, &domain.Evidence{LinkedPR: "o/r#1"}), domain.ErrValidation)
	require.NoError(t, CheckClosure(domain.KindRelease, &domain.Evidence{LinkedPR: "o/r#1", PRMerged: true}))
	require.NoError(t, CheckClosure(domain.KindFix, &domain.Evidence{VerifiedFix: true}))
	require.ErrorIs(t, CheckClosure(domain.KindReview, &domain.Evidence{VerifiedFix: true}), domain.ErrValidation)

	repros := []domain.ReproAttempt{
		{By: "qa-1", At: at},
		{By: "qa-1", At: at},
		{By: "qa-2", At: at.Add(time.Hour)},
	}
	require.Error(t, CheckClosure(domain.KindFix, &domain.Evidence{FailedRepros: repros}), "duplicate entries are not independent")
	repros = append(repros, domain.ReproAttempt{By: "qa-3", At: at.Add(2 * time.Hour)})
	require.NoError(t, CheckClosure(domain.KindFix, &domain.Evidence{FailedRepros: repros}))
}
