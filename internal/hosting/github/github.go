// Package github implements hosting.Provider against the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/ralph/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*GitHubProvider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitHub, newProvider)
}

// GitHubProvider implements hosting.Provider using the go-github library.
type GitHubProvider struct {
	client *gogithub.Client
	owner  string
	repo   string
}

// newProvider creates a GitHubProvider bound to repo ("owner/name").
func newProvider(repo string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	owner, name := hosting.SplitRepo(repo)
	if owner == "" || name == "" {
		return nil, fmt.Errorf("repo %q is not in owner/name form", repo)
	}

	// Authenticated HTTP client with the shared outbound rate limit.
	httpClient := &http.Client{
		Transport: &oauth2Transport{
			token: token,
			base:  hosting.LimitedTransport(nil, cfg.RequestsPerSecond, cfg.Burst),
		},
	}

	client := gogithub.NewClient(httpClient)

	// GitHub Enterprise: override base URL.
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		var parseErr error
		client.BaseURL, parseErr = client.BaseURL.Parse(baseURL + "/api/v3/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse base URL %q: %w", cfg.BaseURL, parseErr)
		}
		client.UploadURL, parseErr = client.UploadURL.Parse(baseURL + "/api/uploads/")
		if parseErr != nil {
			return nil, fmt.Errorf("parse upload URL %q: %w", cfg.BaseURL, parseErr)
		}
	}

	return &GitHubProvider{
		client: client,
		owner:  owner,
		repo:   name,
	}, nil
}

// oauth2Transport adds an Authorization header to every request.
type oauth2Transport struct {
	token string
	base  http.RoundTripper
}

func (t *oauth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req2)
}

// Name returns the provider type.
func (g *GitHubProvider) Name() hosting.ProviderType {
	return hosting.ProviderGitHub
}

// Repo returns the bound repository as "owner/name".
func (g *GitHubProvider) Repo() string {
	return g.owner + "/" + g.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *GitHubProvider) CheckAuth(ctx context.Context) error {
	_, _, err := g.client.Users.Get(ctx, "")
	if err != nil {
		return requestError("check auth", err)
	}
	return nil
}

// ListIssues lists issues matching the options, excluding pull requests.
func (g *GitHubProvider) ListIssues(ctx context.Context, opts hosting.IssueListOptions) ([]hosting.Issue, error) {
	state := opts.State
	if state == "" {
		state = "open"
	}

	listOpts := &gogithub.IssueListByRepoOptions{
		State:       state,
		Labels:      opts.Labels,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var result []hosting.Issue
	for {
		issues, resp, err := g.client.Issues.ListByRepo(ctx, g.owner, g.repo, listOpts)
		if err != nil {
			return nil, requestError("list issues", err)
		}
		for _, is := range issues {
			// The issues API also returns PRs.
			if is.IsPullRequest() {
				continue
			}
			result = append(result, mapIssue(is))
		}
		if resp.NextPage == 0 {
			break
		}
		listOpts.ListOptions.Page = resp.NextPage
	}
	return result, nil
}

// GetIssue fetches a single issue by number.
func (g *GitHubProvider) GetIssue(ctx context.Context, number int) (*hosting.Issue, error) {
	is, _, err := g.client.Issues.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, requestError(fmt.Sprintf("get issue %d", number), err)
	}
	mapped := mapIssue(is)
	return &mapped, nil
}

// CreateIssue opens a new issue.
func (g *GitHubProvider) CreateIssue(ctx context.Context, opts hosting.IssueCreateOptions) (*hosting.Issue, error) {
	req := &gogithub.IssueRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
	}
	if len(opts.Labels) > 0 {
		req.Labels = &opts.Labels
	}

	created, _, err := g.client.Issues.Create(ctx, g.owner, g.repo, req)
	if err != nil {
		return nil, requestError("create issue", err)
	}
	mapped := mapIssue(created)
	return &mapped, nil
}

// AddIssueLabels adds labels to an issue.
func (g *GitHubProvider) AddIssueLabels(ctx context.Context, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	_, _, err := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, number, labels)
	if err != nil {
		return requestError(fmt.Sprintf("add labels to issue %d", number), err)
	}
	return nil
}

// ListIssueComments lists all comments on an issue, oldest first.
func (g *GitHubProvider) ListIssueComments(ctx context.Context, number int) ([]hosting.IssueComment, error) {
	listOpts := &gogithub.IssueListCommentsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var result []hosting.IssueComment
	for {
		comments, resp, err := g.client.Issues.ListComments(ctx, g.owner, g.repo, number, listOpts)
		if err != nil {
			return nil, requestError(fmt.Sprintf("list comments on issue %d", number), err)
		}
		for _, c := range comments {
			result = append(result, mapIssueComment(c))
		}
		if resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}
	return result, nil
}

// CreateIssueComment posts a comment on an issue.
func (g *GitHubProvider) CreateIssueComment(ctx context.Context, number int, body string) (*hosting.IssueComment, error) {
	created, _, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, number, &gogithub.IssueComment{
		Body: gogithub.Ptr(body),
	})
	if err != nil {
		return nil, requestError(fmt.Sprintf("create comment on issue %d", number), err)
	}
	mapped := mapIssueComment(created)
	return &mapped, nil
}

// UpdateIssueComment replaces a comment body. GitHub addresses comments by
// ID alone; the issue number is unused.
func (g *GitHubProvider) UpdateIssueComment(ctx context.Context, _ int, commentID int64, body string) (*hosting.IssueComment, error) {
	updated, _, err := g.client.Issues.EditComment(ctx, g.owner, g.repo, commentID, &gogithub.IssueComment{
		Body: gogithub.Ptr(body),
	})
	if err != nil {
		return nil, requestError(fmt.Sprintf("update comment %d", commentID), err)
	}
	mapped := mapIssueComment(updated)
	return &mapped, nil
}

// CreatePR creates a pull request.
func (g *GitHubProvider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	newPR := &gogithub.NewPullRequest{
		Title: gogithub.Ptr(opts.Title),
		Body:  gogithub.Ptr(opts.Body),
		Head:  gogithub.Ptr(opts.Head),
		Base:  gogithub.Ptr(opts.Base),
		Draft: gogithub.Ptr(opts.Draft),
	}

	created, _, err := g.client.PullRequests.Create(ctx, g.owner, g.repo, newPR)
	if err != nil {
		return nil, requestError("create PR", err)
	}

	prNumber := created.GetNumber()

	// Add labels (best-effort).
	if len(opts.Labels) > 0 {
		_, _, labelErr := g.client.Issues.AddLabelsToIssue(ctx, g.owner, g.repo, prNumber, opts.Labels)
		if labelErr != nil {
			slog.Warn("failed to add labels to PR",
				"pr", prNumber,
				"labels", opts.Labels,
				"error", labelErr)
		}
	}

	return g.GetPR(ctx, prNumber)
}

// GetPR gets a pull request by number.
func (g *GitHubProvider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	pr, _, err := g.client.PullRequests.Get(ctx, g.owner, g.repo, number)
	if err != nil {
		return nil, requestError(fmt.Sprintf("get PR %d", number), err)
	}
	return mapPR(pr), nil
}

// ListPRsForBranch lists PRs whose head is the given branch.
func (g *GitHubProvider) ListPRsForBranch(ctx context.Context, branch, state string) ([]hosting.PR, error) {
	if state == "" {
		state = "open"
	}
	prs, _, err := g.client.PullRequests.List(ctx, g.owner, g.repo, &gogithub.PullRequestListOptions{
		Head:        g.owner + ":" + branch,
		State:       state,
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, requestError(fmt.Sprintf("list PRs for branch %q", branch), err)
	}

	result := make([]hosting.PR, 0, len(prs))
	for _, pr := range prs {
		result = append(result, *mapPR(pr))
	}
	return result, nil
}

// MergePR merges a pull request.
func (g *GitHubProvider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) (*hosting.MergeResult, error) {
	mergeMethod := "merge"
	switch opts.Method {
	case "squash":
		mergeMethod = "squash"
	case "rebase":
		mergeMethod = "rebase"
	}

	mergeOpts := &gogithub.PullRequestOptions{
		MergeMethod: mergeMethod,
		CommitTitle: opts.CommitTitle,
		SHA:         opts.SHA,
	}

	result, _, err := g.client.PullRequests.Merge(ctx, g.owner, g.repo, number, opts.CommitMessage, mergeOpts)
	if err != nil {
		return nil, requestError(fmt.Sprintf("merge PR %d", number), err)
	}

	return &hosting.MergeResult{
		SHA:    result.GetSHA(),
		Merged: result.GetMerged(),
	}, nil
}

// UpdatePRBranch updates the PR branch with the latest base branch changes.
func (g *GitHubProvider) UpdatePRBranch(ctx context.Context, number int) error {
	_, _, err := g.client.PullRequests.UpdateBranch(ctx, g.owner, g.repo, number, nil)
	if err != nil {
		// go-github surfaces the async 202 as AcceptedError; the
		// update was queued, which is all the caller needs.
		var accepted *gogithub.AcceptedError
		if errors.As(err, &accepted) {
			return nil
		}
		return requestError(fmt.Sprintf("update branch for PR %d", number), err)
	}
	return nil
}

// GetCheckRuns gets CI check runs for a ref.
func (g *GitHubProvider) GetCheckRuns(ctx context.Context, ref string) ([]hosting.CheckRun, error) {
	listOpts := &gogithub.ListCheckRunsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var checks []hosting.CheckRun
	for {
		result, resp, err := g.client.Checks.ListCheckRunsForRef(ctx, g.owner, g.repo, ref, listOpts)
		if err != nil {
			return nil, requestError(fmt.Sprintf("get check runs for %q", ref), err)
		}
		for _, cr := range result.CheckRuns {
			checks = append(checks, hosting.CheckRun{
				ID:         cr.GetID(),
				Name:       cr.GetName(),
				Status:     cr.GetStatus(),
				Conclusion: cr.GetConclusion(),
				Summary:    cr.GetOutput().GetSummary(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}
	return checks, nil
}

// DeleteBranch deletes a branch from the remote.
func (g *GitHubProvider) DeleteBranch(ctx context.Context, branch string) error {
	_, err := g.client.Git.DeleteRef(ctx, g.owner, g.repo, "refs/heads/"+branch)
	if err != nil {
		return requestError(fmt.Sprintf("delete branch %q", branch), err)
	}
	return nil
}

// mapIssue converts a go-github Issue to a hosting.Issue.
func mapIssue(is *gogithub.Issue) hosting.Issue {
	var labels []string
	for _, l := range is.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}

	var createdAt, updatedAt string
	if t := is.GetCreatedAt(); !t.IsZero() {
		createdAt = t.Format(time.RFC3339)
	}
	if t := is.GetUpdatedAt(); !t.IsZero() {
		updatedAt = t.Format(time.RFC3339)
	}

	return hosting.Issue{
		Number:      is.GetNumber(),
		Title:       is.GetTitle(),
		Body:        is.GetBody(),
		State:       is.GetState(),
		StateReason: is.GetStateReason(),
		Labels:      labels,
		Author:      is.GetUser().GetLogin(),
		HTMLURL:     is.GetHTMLURL(),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
}

// mapIssueComment converts a go-github IssueComment to a hosting.IssueComment.
func mapIssueComment(c *gogithub.IssueComment) hosting.IssueComment {
	var createdAt, updatedAt string
	if t := c.GetCreatedAt(); !t.IsZero() {
		createdAt = t.Format(time.RFC3339)
	}
	if t := c.GetUpdatedAt(); !t.IsZero() {
		updatedAt = t.Format(time.RFC3339)
	}

	return hosting.IssueComment{
		ID:        c.GetID(),
		Body:      c.GetBody(),
		Author:    c.GetUser().GetLogin(),
		HTMLURL:   c.GetHTMLURL(),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

// mapPR converts a go-github PullRequest to a hosting.PR.
func mapPR(pr *gogithub.PullRequest) *hosting.PR {
	state := pr.GetState()
	// List endpoints omit the merged flag; merged_at is always present.
	if pr.GetMerged() || !pr.GetMergedAt().IsZero() {
		state = "merged"
	}

	var createdAt, updatedAt string
	if t := pr.GetCreatedAt(); !t.IsZero() {
		createdAt = t.Format(time.RFC3339)
	}
	if t := pr.GetUpdatedAt(); !t.IsZero() {
		updatedAt = t.Format(time.RFC3339)
	}

	var labels []string
	for _, l := range pr.Labels {
		if name := l.GetName(); name != "" {
			labels = append(labels, name)
		}
	}

	// A missing head repo means the fork is gone; treat it as
	// cross-repo so nothing tries to push to it.
	baseFull := pr.GetBase().GetRepo().GetFullName()
	headFull := pr.GetHead().GetRepo().GetFullName()
	crossRepo := headFull == "" || headFull != baseFull

	return &hosting.PR{
		Number:         pr.GetNumber(),
		Title:          pr.GetTitle(),
		Body:           pr.GetBody(),
		State:          state,
		Draft:          pr.GetDraft(),
		HeadBranch:     pr.GetHead().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		BaseBranch:     pr.GetBase().GetRef(),
		CrossRepo:      crossRepo,
		MergeableState: normalizeMergeableState(pr.GetMergeableState()),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		HTMLURL:        pr.GetHTMLURL(),
		Labels:         labels,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
}

// normalizeMergeableState maps GitHub's mergeable_state values onto the
// provider-neutral set.
func normalizeMergeableState(s string) string {
	switch s {
	case "clean", "behind", "dirty", "blocked", "unstable":
		return s
	case "draft":
		return "blocked"
	case "has_hooks":
		return "clean"
	default:
		return "unknown"
	}
}

// requestError normalizes go-github errors into hosting.RequestError so
// callers can classify without importing this package.
func requestError(op string, err error) error {
	if err == nil {
		return nil
	}

	re := &hosting.RequestError{Op: op, Err: err}

	var rateErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	var respErr *gogithub.ErrorResponse
	switch {
	case errors.As(err, &rateErr):
		re.RateLimited = true
		re.StatusCode = responseStatus(rateErr.Response, http.StatusForbidden)
		if wait := time.Until(rateErr.Rate.Reset.Time); wait > 0 {
			re.RetryAfter = wait
		}
		re.Message = rateErr.Message
	case errors.As(err, &abuseErr):
		re.RateLimited = true
		re.StatusCode = responseStatus(abuseErr.Response, http.StatusForbidden)
		if abuseErr.RetryAfter != nil {
			re.RetryAfter = *abuseErr.RetryAfter
		}
		re.Message = abuseErr.Message
	case errors.As(err, &respErr):
		re.StatusCode = responseStatus(respErr.Response, 0)
		re.Message = respErr.Message
	}

	return re
}

func responseStatus(resp *http.Response, fallback int) int {
	if resp != nil && resp.StatusCode != 0 {
		return resp.StatusCode
	}
	return fallback
}
