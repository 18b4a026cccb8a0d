package githost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/sebyx07/claude-task-master-py-sub000/internal/config"
	tmerrors "github.com/sebyx07/claude-task-master-py-sub000/internal/errors"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/logging"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/parallel"
	"github.com/sebyx07/claude-task-master-py-sub000/internal/util"
)

// maxLogLines bounds the log tail kept for each failed check.
const maxLogLines = 200

// BranchSource reports the branch checked out in the working copy.
type BranchSource interface {
	CurrentBranch(ctx context.Context) (string, error)
}

// Option configures a GitHub host.
type Option func(*GitHub)

// WithHTTPClient replaces the authenticated HTTP client. Used by tests to
// point the client at a local server.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *GitHub) {
		g.httpClient = hc
		g.download = hc
	}
}

// WithBaseURL overrides the REST endpoint. The GraphQL endpoint is derived
// from it.
func WithBaseURL(base string) Option {
	return func(g *GitHub) { g.baseURL = base }
}

// WithLimiter replaces the request throttle.
func WithLimiter(l *rate.Limiter) Option {
	return func(g *GitHub) { g.limiter = l }
}

// WithLogFetch tunes the executor that downloads failed check logs.
func WithLogFetch(cfg parallel.Config) Option {
	return func(g *GitHub) { g.fetch = cfg }
}

// WithHostLogger sets the logger.
func WithHostLogger(l *logging.Logger) Option {
	return func(g *GitHub) { g.logger = logging.OrNop(l).WithComponent("githost") }
}

// GitHub implements Host against the GitHub REST and GraphQL APIs.
type GitHub struct {
	client      *github.Client
	httpClient  *http.Client
	download    *http.Client
	graphqlURL  string
	baseURL     string
	owner       string
	repo        string
	mergeMethod string
	reviewers   ReviewerRules
	branches    BranchSource
	limiter     *rate.Limiter
	fetch       parallel.Config
	logger      *logging.Logger
}

var _ Host = (*GitHub)(nil)

// NewGitHub creates a GitHub host for owner/repo. An empty token yields an
// unauthenticated client, which is only useful against public repositories.
func NewGitHub(ctx context.Context, cfg config.GitHubConfig, owner, repo string, branches BranchSource, opts ...Option) (*GitHub, error) {
	if owner == "" || repo == "" {
		return nil, tmerrors.NewValidationError("owner and repo are required").WithField("github.repo")
	}
	g := &GitHub{
		baseURL:     cfg.BaseURL,
		owner:       owner,
		repo:        repo,
		mergeMethod: cfg.MergeMethod,
		reviewers:   ReviewerRules{Default: cfg.Reviewers, ByPath: cfg.ReviewersByPath},
		branches:    branches,
		fetch:       parallel.DefaultConfig(),
		logger:      logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.mergeMethod == "" {
		g.mergeMethod = "squash"
	}
	if g.limiter == nil {
		rps, burst := cfg.RequestsPerSecond, cfg.Burst
		if rps <= 0 {
			rps = 5
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if g.httpClient == nil {
		if cfg.Token != "" {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
			g.httpClient = oauth2.NewClient(ctx, ts)
		} else {
			g.httpClient = &http.Client{Timeout: 60 * time.Second}
		}
	}

	if g.download == nil {
		// Log archives are served from pre-signed URLs that reject extra
		// credentials.
		g.download = &http.Client{Timeout: 60 * time.Second}
	}

	g.client = github.NewClient(g.httpClient)
	if g.baseURL != "" {
		c, err := g.client.WithEnterpriseURLs(g.baseURL, g.baseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
		g.client = c
	}
	g.graphqlURL = graphqlEndpoint(g.client.BaseURL.String())
	return g, nil
}

// graphqlEndpoint derives the GraphQL URL from the REST base URL.
// https://api.github.com/ becomes https://api.github.com/graphql and
// https://ghe.example.com/api/v3/ becomes https://ghe.example.com/api/graphql.
func graphqlEndpoint(restBase string) string {
	base := strings.TrimSuffix(restBase, "/")
	if strings.HasSuffix(base, "/v3") {
		return strings.TrimSuffix(base, "/v3") + "/graphql"
	}
	return base + "/graphql"
}

func (g *GitHub) wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// hostError converts a go-github failure into a HostError carrying the HTTP
// status so the retry classifier can tell throttling from bad requests.
func hostError(op string, resp *github.Response, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return tmerrors.NewHostError("rate limit exceeded", err).WithOperation(op).WithStatusCode(http.StatusTooManyRequests)
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return tmerrors.NewHostError("secondary rate limit exceeded", err).WithOperation(op).WithStatusCode(http.StatusTooManyRequests)
	}
	he := tmerrors.NewHostError(op+" failed", err).WithOperation(op)
	if resp != nil && resp.Response != nil {
		he = he.WithStatusCode(resp.StatusCode)
	}
	return he
}

// CreateChangeRequest opens a pull request and returns its number.
func (g *GitHub) CreateChangeRequest(ctx context.Context, req NewChangeRequest) (int, error) {
	if req.Head == "" || req.Base == "" || req.Title == "" {
		return 0, tmerrors.NewValidationError("title, head and base are required").WithField("change_request")
	}
	if err := g.wait(ctx); err != nil {
		return 0, err
	}
	pr, resp, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, &github.NewPullRequest{
		Title: github.String(req.Title),
		Head:  github.String(req.Head),
		Base:  github.String(req.Base),
		Body:  github.String(req.Body),
		Draft: github.Bool(req.Draft),
	})
	if err != nil {
		return 0, hostError("create_pr", resp, err)
	}
	g.logger.Info("change request created", "number", pr.GetNumber(), "url", pr.GetHTMLURL())
	return pr.GetNumber(), nil
}

// GetStatus combines the pull request, its checks and its review threads.
func (g *GitHub) GetStatus(ctx context.Context, number int) (Status, error) {
	if err := g.wait(ctx); err != nil {
		return Status{}, err
	}
	pr, resp, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return Status{}, hostError("get_pr", resp, err)
	}

	st := Status{
		Number:     number,
		State:      prState(pr),
		Mergeable:  prMergeable(pr),
		BaseBranch: pr.GetBase().GetRef(),
		HeadBranch: pr.GetHead().GetRef(),
		URL:        pr.GetHTMLURL(),
	}

	checks, err := g.checks(ctx, pr.GetHead().GetSHA())
	if err != nil {
		return Status{}, err
	}
	st.Checks = checks
	for _, c := range checks {
		switch {
		case c.Pending():
			st.ChecksPending++
		case c.Failed():
			st.ChecksFailed++
		default:
			st.ChecksPassed++
		}
	}
	switch {
	case st.ChecksFailed > 0:
		st.CheckState = CheckFailure
	case st.ChecksPending > 0:
		st.CheckState = CheckPending
	default:
		st.CheckState = CheckSuccess
	}

	threads, err := g.reviewThreads(ctx, number)
	if err != nil {
		return Status{}, err
	}
	for _, t := range threads {
		if !t.IsResolved {
			st.UnresolvedThreads++
		}
	}
	return st, nil
}

func prState(pr *github.PullRequest) State {
	switch {
	case pr.GetMerged():
		return StateMerged
	case pr.GetState() == "closed":
		return StateClosed
	default:
		return StateOpen
	}
}

func prMergeable(pr *github.PullRequest) Mergeable {
	if pr.GetMergeableState() == "dirty" {
		return MergeableConflicting
	}
	if pr.Mergeable == nil {
		return MergeableUnknown
	}
	if *pr.Mergeable {
		return MergeableYes
	}
	return MergeableConflicting
}

// checks merges check runs with legacy commit statuses for ref.
func (g *GitHub) checks(ctx context.Context, ref string) ([]CheckDetail, error) {
	if ref == "" {
		return nil, nil
	}
	var out []CheckDetail

	opts := &github.ListCheckRunsOptions{Filter: github.String("latest"), ListOptions: github.ListOptions{PerPage: 100}}
	for {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		runs, resp, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, ref, opts)
		if err != nil {
			return nil, hostError("list_check_runs", resp, err)
		}
		for _, r := range runs.CheckRuns {
			out = append(out, CheckDetail{
				ID:         r.GetID(),
				Name:       r.GetName(),
				Status:     r.GetStatus(),
				Conclusion: r.GetConclusion(),
				URL:        r.GetHTMLURL(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	combined, resp, err := g.client.Repositories.GetCombinedStatus(ctx, g.owner, g.repo, ref, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, hostError("combined_status", resp, err)
	}
	for _, s := range combined.Statuses {
		d := CheckDetail{Name: s.GetContext(), Status: "completed", URL: s.GetTargetURL()}
		switch s.GetState() {
		case "pending":
			d.Status = "in_progress"
		case "success":
			d.Conclusion = "success"
		default:
			d.Conclusion = s.GetState()
		}
		out = append(out, d)
	}
	return out, nil
}

// Merge merges the pull request with the configured method.
func (g *GitHub) Merge(ctx context.Context, number int) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	res, resp, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, number, "", &github.PullRequestOptions{
		MergeMethod: g.mergeMethod,
	})
	if err != nil {
		if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusMethodNotAllowed {
			return fmt.Errorf("%w: %w", tmerrors.ErrMergeConflict, hostError("merge", resp, err))
		}
		return hostError("merge", resp, err)
	}
	if !res.GetMerged() {
		return tmerrors.NewHostError("merge not performed: "+res.GetMessage(), nil).WithOperation("merge")
	}
	g.logger.Info("change request merged", "number", number, "sha", res.GetSHA())
	return nil
}

// DetectChangeRequestForCurrentBranch finds the open pull request whose head
// is the checked out branch.
func (g *GitHub) DetectChangeRequestForCurrentBranch(ctx context.Context) (int, bool, error) {
	if g.branches == nil {
		return 0, false, tmerrors.NewValidationError("no branch source configured")
	}
	branch, err := g.branches.CurrentBranch(ctx)
	if err != nil {
		return 0, false, err
	}
	if err := g.wait(ctx); err != nil {
		return 0, false, err
	}
	prs, resp, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &github.PullRequestListOptions{
		State:       "open",
		Head:        g.owner + ":" + branch,
		ListOptions: github.ListOptions{PerPage: 10},
	})
	if err != nil {
		return 0, false, hostError("list_prs", resp, err)
	}
	for _, pr := range prs {
		if pr.GetHead().GetRef() == branch {
			return pr.GetNumber(), true, nil
		}
	}
	return 0, false, nil
}

// FailedCheckLogs returns the log tail for every failed check. Check runs
// from GitHub Actions are fetched from the job log; anything else falls back
// to the check run output. Logs are fetched concurrently.
func (g *GitHub) FailedCheckLogs(ctx context.Context, number int) (map[string]string, error) {
	st, err := g.GetStatus(ctx, number)
	if err != nil {
		return nil, err
	}
	exec := parallel.New(g.fetch, parallel.WithLogger(g.logger))
	for _, c := range st.Checks {
		if !c.Failed() {
			continue
		}
		if err := exec.AddTask(parallel.Task{
			ID:   c.Name,
			Type: "check_log",
			Fn:   func(ctx context.Context) (any, error) { return g.checkLog(ctx, c), nil },
		}); err != nil {
			g.logger.Debug("duplicate check name", "check", c.Name)
		}
	}

	results, err := exec.Run(ctx)
	if err != nil {
		return nil, err
	}
	logs := make(map[string]string, len(results))
	for name, r := range results {
		if text, ok := r.Value.(string); ok {
			logs[name] = text
		}
	}
	return logs, nil
}

func (g *GitHub) checkLog(ctx context.Context, c CheckDetail) string {
	text := ""
	if c.ID != 0 {
		var err error
		text, err = g.jobLog(ctx, c.ID)
		if err != nil {
			g.logger.Debug("job log unavailable", "check", c.Name, "error", err)
			text = g.checkRunOutput(ctx, c.ID)
		}
	}
	if strings.TrimSpace(text) == "" {
		text = fmt.Sprintf("Check %q finished with conclusion %q.\n%s", c.Name, c.Conclusion, c.URL)
	}
	return text
}

func (g *GitHub) jobLog(ctx context.Context, jobID int64) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	u, resp, err := g.client.Actions.GetWorkflowJobLogs(ctx, g.owner, g.repo, jobID, 1)
	if err != nil {
		return "", hostError("job_logs", resp, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	res, err := g.download.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", tmerrors.NewHostError("download job log", nil).WithOperation("job_logs").WithStatusCode(res.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return "", err
	}
	return util.TailLines(string(body), maxLogLines), nil
}

func (g *GitHub) checkRunOutput(ctx context.Context, id int64) string {
	if err := g.wait(ctx); err != nil {
		return ""
	}
	run, _, err := g.client.Checks.GetCheckRun(ctx, g.owner, g.repo, id)
	if err != nil {
		return ""
	}
	out := run.GetOutput()
	var b strings.Builder
	for _, s := range []string{out.GetTitle(), out.GetSummary(), out.GetText()} {
		if s = strings.TrimSpace(s); s != "" {
			b.WriteString(s)
			b.WriteString("\n\n")
		}
	}
	return util.TailLines(strings.TrimSpace(b.String()), maxLogLines)
}

// RequestReviewers asks the reviewers selected by the configured rules to
// review the pull request. The author is never requested.
func (g *GitHub) RequestReviewers(ctx context.Context, number int) error {
	if g.reviewers.Empty() {
		return nil
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	pr, resp, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return hostError("get_pr", resp, err)
	}

	var files []string
	opts := &github.ListOptions{PerPage: 100}
	for {
		if err := g.wait(ctx); err != nil {
			return err
		}
		page, resp, err := g.client.PullRequests.ListFiles(ctx, g.owner, g.repo, number, opts)
		if err != nil {
			return hostError("list_files", resp, err)
		}
		for _, f := range page {
			files = append(files, f.GetFilename())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	reviewers := g.reviewers.Resolve(files, pr.GetUser().GetLogin())
	if len(reviewers) == 0 {
		return nil
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, resp, err = g.client.PullRequests.RequestReviewers(ctx, g.owner, g.repo, number, github.ReviewersRequest{Reviewers: reviewers})
	if err != nil {
		return hostError("request_reviewers", resp, err)
	}
	g.logger.Info("reviewers requested", "number", number, "reviewers", reviewers)
	return nil
}
