package ticket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/time/rate"

	"fleetline/internal/domain"
	"fleetline/internal/status"
)

// commentMarker tags comments posted by fleetline so a replay can find them.
const commentMarker = "<!-- fleetline:%s -->"

// GitHub maps tickets onto GitHub issues and pull requests. Refs look like "owner/repo#123".
type GitHub struct {
	client  *github.Client
	limiter *rate.Limiter
}

type GitHubOptions struct {
	Token         string
	BaseURL       string
	RatePerSecond float64
	HTTPClient    *http.Client
}

func NewGitHub(opts GitHubOptions) (*GitHub, error) {
	client := github.NewClient(opts.HTTPClient)
	if opts.Token != "" {
		client = client.WithAuthToken(opts.Token)
	}
	if opts.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(opts.BaseURL, opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	return &GitHub{client: client, limiter: rate.NewLimiter(limit, 1)}, nil
}

type issueRef struct {
	owner  string
	repo   string
	number int
}

func parseRef(ref string) (issueRef, error) {
	repoPart, num, ok := strings.Cut(ref, "#")
	if !ok {
		return issueRef{}, fmt.Errorf("%w: ticket ref %q must look like owner/repo#N", domain.ErrValidation, ref)
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	n, err := strconv.Atoi(num)
	if !ok || owner == "" || repo == "" || err != nil || n <= 0 {
		return issueRef{}, fmt.Errorf("%w: ticket ref %q must look like owner/repo#N", domain.ErrValidation, ref)
	}
	return issueRef{owner: owner, repo: repo, number: n}, nil
}

func (g *GitHub) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &RateLimitError{Reset: time.Now(), Err: err}
	}
	return nil
}

// classify turns go-github errors into the package's typed errors.
func classify(ref string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return &RateLimitError{Reset: rl.Rate.Reset.Time, Err: err}
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		reset := time.Now().Add(time.Minute)
		if abuse.RetryAfter != nil {
			reset = time.Now().Add(*abuse.RetryAfter)
		}
		return &RateLimitError{Reset: reset, Err: err}
	}
	if resp == nil {
		return &UnavailableError{Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return &ConflictError{Ref: ref, Err: err}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: ticket %s: %v", domain.ErrNotFound, ref, err)
	case resp.StatusCode >= 500:
		return &UnavailableError{Err: err}
	}
	return err
}

func (g *GitHub) labels(ctx context.Context, ref string, r issueRef) (*github.Issue, []string, error) {
	if err := g.wait(ctx); err != nil {
		return nil, nil, err
	}
	issue, resp, err := g.client.Issues.Get(ctx, r.owner, r.repo, r.number)
	if err != nil {
		return nil, nil, classify(ref, resp, err)
	}
	var names []string
	for _, l := range issue.Labels {
		names = append(names, l.GetName())
	}
	return issue, names, nil
}

func (g *GitHub) GetStatus(ctx context.Context, ref string) (Snapshot, error) {
	r, err := parseRef(ref)
	if err != nil {
		return Snapshot{}, err
	}
	issue, names, err := g.labels(ctx, ref, r)
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotFromLabels(ref, names, issue.GetUpdatedAt().Time), nil
}

// SetStatus replaces status:* labels. Terminal states also close the issue; blocked is
// added next to the paused status.
func (g *GitHub) SetStatus(ctx context.Context, ref string, s domain.Status) error {
	r, err := parseRef(ref)
	if err != nil {
		return err
	}
	if s == domain.StatusBlocked {
		return g.AddLabel(ctx, ref, status.LabelBlocked)
	}
	_, names, err := g.labels(ctx, ref, r)
	if err != nil {
		return err
	}
	want := status.StatusLabel(s)
	for _, name := range names {
		if name == want {
			continue
		}
		if name == status.LabelBlocked || strings.HasPrefix(name, status.DimStatus+":") {
			if err := g.RemoveLabel(ctx, ref, name); err != nil {
				return err
			}
		}
	}
	if err := g.AddLabel(ctx, ref, want); err != nil {
		return err
	}
	if s.Terminal() {
		if err := g.wait(ctx); err != nil {
			return err
		}
		reason := "completed"
		if s == domain.StatusCancelled {
			reason = "not_planned"
		}
		_, resp, err := g.client.Issues.Edit(ctx, r.owner, r.repo, r.number, &github.IssueRequest{
			State:       github.String("closed"),
			StateReason: github.String(reason),
		})
		return classify(ref, resp, err)
	}
	return nil
}

func (g *GitHub) AddLabel(ctx context.Context, ref, label string) error {
	r, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, resp, err := g.client.Issues.AddLabelsToIssue(ctx, r.owner, r.repo, r.number, []string{label})
	return classify(ref, resp, err)
}

func (g *GitHub) RemoveLabel(ctx context.Context, ref, label string) error {
	r, err := parseRef(ref)
	if err != nil {
		return err
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	resp, err := g.client.Issues.RemoveLabelForIssue(ctx, r.owner, r.repo, r.number, label)
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return classify(ref, resp, err)
}

// AddComment looks for an earlier comment carrying the same marker before posting.
func (g *GitHub) AddComment(ctx context.Context, ref, key, body string) error {
	r, err := parseRef(ref)
	if err != nil {
		return err
	}
	marker := fmt.Sprintf(commentMarker, key)
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		if err := g.wait(ctx); err != nil {
			return err
		}
		comments, resp, err := g.client.Issues.ListComments(ctx, r.owner, r.repo, r.number, opts)
		if err != nil {
			return classify(ref, resp, err)
		}
		for _, c := range comments {
			if strings.Contains(c.GetBody(), marker) {
				return nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, resp, err := g.client.Issues.CreateComment(ctx, r.owner, r.repo, r.number, &github.IssueComment{
		Body: github.String(body + "\n\n" + marker),
	})
	return classify(ref, resp, err)
}

// Signals reads checks, reviews, review threads and comments of the pull request behind
// ref. A review thread counts as resolved once it has a reply. Activity is the newest of
// the head commit date, review submissions and comments; fleetline's own comments do not
// count.
func (g *GitHub) Signals(ctx context.Context, ref string) (Signals, error) {
	r, err := parseRef(ref)
	if err != nil {
		return Signals{}, err
	}
	if err := g.wait(ctx); err != nil {
		return Signals{}, err
	}
	pr, resp, err := g.client.PullRequests.Get(ctx, r.owner, r.repo, r.number)
	if err != nil {
		return Signals{}, classify(ref, resp, err)
	}
	sig := Signals{
		Mergeable: pr.GetMergeable() && pr.GetMergeableState() != "dirty" && pr.GetMergeableState() != "blocked",
	}
	sha := pr.GetHead().GetSHA()
	touch := func(at time.Time) {
		if at.After(sig.LastActivityAt) {
			sig.LastActivityAt = at
		}
	}

	if err := g.wait(ctx); err != nil {
		return Signals{}, err
	}
	head, resp, err := g.client.Repositories.GetCommit(ctx, r.owner, r.repo, sha, nil)
	if err != nil {
		return Signals{}, classify(ref, resp, err)
	}
	touch(head.GetCommit().GetCommitter().GetDate().Time)

	sig.ChecksGreen, err = g.checksGreen(ctx, ref, r, sha)
	if err != nil {
		return Signals{}, err
	}

	latest := map[string]string{}
	reviewOpts := &github.ListOptions{PerPage: 100}
	for {
		if err := g.wait(ctx); err != nil {
			return Signals{}, err
		}
		reviews, resp, err := g.client.PullRequests.ListReviews(ctx, r.owner, r.repo, r.number, reviewOpts)
		if err != nil {
			return Signals{}, classify(ref, resp, err)
		}
		for _, rv := range reviews {
			if state := rv.GetState(); state == "APPROVED" || state == "CHANGES_REQUESTED" || state == "DISMISSED" {
				latest[rv.GetUser().GetLogin()] = state
			}
			touch(rv.GetSubmittedAt().Time)
		}
		if resp.NextPage == 0 {
			break
		}
		reviewOpts.Page = resp.NextPage
	}
	for _, state := range latest {
		if state == "CHANGES_REQUESTED" {
			sig.ChangesRequested = true
		}
	}

	var threads []*github.PullRequestComment
	threadOpts := &github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		if err := g.wait(ctx); err != nil {
			return Signals{}, err
		}
		comments, resp, err := g.client.PullRequests.ListComments(ctx, r.owner, r.repo, r.number, threadOpts)
		if err != nil {
			return Signals{}, classify(ref, resp, err)
		}
		threads = append(threads, comments...)
		if resp.NextPage == 0 {
			break
		}
		threadOpts.Page = resp.NextPage
	}
	replied := map[int64]bool{}
	for _, c := range threads {
		if c.InReplyTo != nil {
			replied[c.GetInReplyTo()] = true
		}
		touch(c.GetUpdatedAt().Time)
	}
	sig.ThreadsResolved = true
	for _, c := range threads {
		if c.InReplyTo == nil && !replied[c.GetID()] {
			sig.ThreadsResolved = false
			break
		}
	}

	ownPrefix, _, _ := strings.Cut(commentMarker, "%s")
	issueOpts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	for {
		if err := g.wait(ctx); err != nil {
			return Signals{}, err
		}
		comments, resp, err := g.client.Issues.ListComments(ctx, r.owner, r.repo, r.number, issueOpts)
		if err != nil {
			return Signals{}, classify(ref, resp, err)
		}
		for _, c := range comments {
			if strings.Contains(c.GetBody(), ownPrefix) {
				continue
			}
			touch(c.GetUpdatedAt().Time)
		}
		if resp.NextPage == 0 {
			break
		}
		issueOpts.Page = resp.NextPage
	}
	return sig, nil
}

// checksGreen is true when sha has at least one check run and every run completed
// with success, neutral or skipped.
func (g *GitHub) checksGreen(ctx context.Context, ref string, r issueRef, sha string) (bool, error) {
	opts := &github.ListCheckRunsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	seen := 0
	for {
		if err := g.wait(ctx); err != nil {
			return false, err
		}
		checks, resp, err := g.client.Checks.ListCheckRunsForRef(ctx, r.owner, r.repo, sha, opts)
		if err != nil {
			return false, classify(ref, resp, err)
		}
		for _, run := range checks.CheckRuns {
			seen++
			if run.GetStatus() != "completed" {
				return false, nil
			}
			switch run.GetConclusion() {
			case "success", "neutral", "skipped":
			default:
				return false, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return seen > 0, nil
}

// Probe hits the rate-limit endpoint, which is cheap and does not count against the quota.
func (g *GitHub) Probe(ctx context.Context) error {
	_, resp, err := g.client.RateLimit.Get(ctx)
	return classify("", resp, err)
}
