// Package gitlab implements hosting.Provider against the GitLab REST API.
// Pull-request operations map onto merge requests, check runs onto
// pipeline jobs, and issue comments onto notes.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/randalmurphal/ralph/internal/hosting"
)

// Compile-time interface check.
var _ hosting.Provider = (*GitLabProvider)(nil)

func init() {
	hosting.RegisterProvider(hosting.ProviderGitLab, newProvider)
}

// GitLabProvider implements hosting.Provider using the go-gitlab library.
type GitLabProvider struct {
	client    *gogitlab.Client
	projectID string // URL-encoded "owner/repo" path used as project identifier
	repo      string
}

// newProvider creates a GitLabProvider bound to repo
// ("owner/name" or "group/subgroup/name").
func newProvider(repo string, cfg hosting.Config) (hosting.Provider, error) {
	token, err := resolveToken(cfg)
	if err != nil {
		return nil, err
	}

	owner, name := hosting.SplitRepo(repo)
	if owner == "" || name == "" {
		return nil, fmt.Errorf("repo %q is not in owner/name form", repo)
	}

	httpClient := &http.Client{
		Transport: hosting.LimitedTransport(nil, cfg.RequestsPerSecond, cfg.Burst),
	}

	clientOpts := []gogitlab.ClientOptionFunc{
		gogitlab.WithHTTPClient(httpClient),
	}
	if cfg.BaseURL != "" {
		baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
		clientOpts = append(clientOpts, gogitlab.WithBaseURL(baseURL+"/api/v4"))
	}

	client, err := gogitlab.NewClient(token, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create GitLab client: %w", err)
	}

	return &GitLabProvider{
		client:    client,
		projectID: repo,
		repo:      repo,
	}, nil
}

// Name returns the provider type.
func (g *GitLabProvider) Name() hosting.ProviderType {
	return hosting.ProviderGitLab
}

// Repo returns the bound repository path.
// For nested GitLab groups this may be "group/subgroup/name".
func (g *GitLabProvider) Repo() string {
	return g.repo
}

// CheckAuth validates the token by fetching the authenticated user.
func (g *GitLabProvider) CheckAuth(ctx context.Context) error {
	_, resp, err := g.client.Users.CurrentUser(gogitlab.WithContext(ctx))
	if err != nil {
		return requestError("check auth", resp, err)
	}
	return nil
}

// ListIssues lists project issues matching the options.
func (g *GitLabProvider) ListIssues(ctx context.Context, opts hosting.IssueListOptions) ([]hosting.Issue, error) {
	listOpts := &gogitlab.ListProjectIssuesOptions{
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}
	switch opts.State {
	case "", "open":
		listOpts.State = gogitlab.Ptr("opened")
	case "closed":
		listOpts.State = gogitlab.Ptr("closed")
	case "all":
		// No state filter.
	default:
		return nil, fmt.Errorf("unknown issue state %q", opts.State)
	}
	if len(opts.Labels) > 0 {
		labels := gogitlab.LabelOptions(opts.Labels)
		listOpts.Labels = &labels
	}

	var result []hosting.Issue
	for {
		issues, resp, err := g.client.Issues.ListProjectIssues(g.projectID, listOpts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, requestError("list issues", resp, err)
		}
		for _, is := range issues {
			result = append(result, mapIssue(is))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}
	return result, nil
}

// GetIssue fetches a single issue by IID.
func (g *GitLabProvider) GetIssue(ctx context.Context, number int) (*hosting.Issue, error) {
	is, resp, err := g.client.Issues.GetIssue(g.projectID, int64(number), gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("get issue %d", number), resp, err)
	}
	mapped := mapIssue(is)
	return &mapped, nil
}

// CreateIssue opens a new issue.
func (g *GitLabProvider) CreateIssue(ctx context.Context, opts hosting.IssueCreateOptions) (*hosting.Issue, error) {
	createOpts := &gogitlab.CreateIssueOptions{
		Title:       gogitlab.Ptr(opts.Title),
		Description: gogitlab.Ptr(opts.Body),
	}
	if len(opts.Labels) > 0 {
		labels := gogitlab.LabelOptions(opts.Labels)
		createOpts.Labels = &labels
	}

	created, resp, err := g.client.Issues.CreateIssue(g.projectID, createOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError("create issue", resp, err)
	}
	mapped := mapIssue(created)
	return &mapped, nil
}

// AddIssueLabels adds labels to an issue.
func (g *GitLabProvider) AddIssueLabels(ctx context.Context, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	add := gogitlab.LabelOptions(labels)
	_, resp, err := g.client.Issues.UpdateIssue(g.projectID, int64(number), &gogitlab.UpdateIssueOptions{
		AddLabels: &add,
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return requestError(fmt.Sprintf("add labels to issue %d", number), resp, err)
	}
	return nil
}

// ListIssueComments lists non-system notes on an issue, oldest first.
func (g *GitLabProvider) ListIssueComments(ctx context.Context, number int) ([]hosting.IssueComment, error) {
	listOpts := &gogitlab.ListIssueNotesOptions{
		Sort:        gogitlab.Ptr("asc"),
		ListOptions: gogitlab.ListOptions{PerPage: 100},
	}

	var result []hosting.IssueComment
	for {
		notes, resp, err := g.client.Notes.ListIssueNotes(g.projectID, int64(number), listOpts, gogitlab.WithContext(ctx))
		if err != nil {
			return nil, requestError(fmt.Sprintf("list comments on issue %d", number), resp, err)
		}
		for _, note := range notes {
			if note.System {
				continue
			}
			result = append(result, mapNote(note))
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		listOpts.Page = resp.NextPage
	}
	return result, nil
}

// CreateIssueComment posts a note on an issue.
func (g *GitLabProvider) CreateIssueComment(ctx context.Context, number int, body string) (*hosting.IssueComment, error) {
	note, resp, err := g.client.Notes.CreateIssueNote(g.projectID, int64(number), &gogitlab.CreateIssueNoteOptions{
		Body: gogitlab.Ptr(body),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("create comment on issue %d", number), resp, err)
	}
	mapped := mapNote(note)
	return &mapped, nil
}

// UpdateIssueComment replaces a note body. GitLab addresses notes relative
// to their issue, so the issue number is required.
func (g *GitLabProvider) UpdateIssueComment(ctx context.Context, number int, commentID int64, body string) (*hosting.IssueComment, error) {
	note, resp, err := g.client.Notes.UpdateIssueNote(g.projectID, int64(number), commentID, &gogitlab.UpdateIssueNoteOptions{
		Body: gogitlab.Ptr(body),
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("update comment %d on issue %d", commentID, number), resp, err)
	}
	mapped := mapNote(note)
	return &mapped, nil
}

// CreatePR creates a merge request.
func (g *GitLabProvider) CreatePR(ctx context.Context, opts hosting.PRCreateOptions) (*hosting.PR, error) {
	title := opts.Title
	if opts.Draft {
		title = "Draft: " + title
	}

	createOpts := &gogitlab.CreateMergeRequestOptions{
		Title:        gogitlab.Ptr(title),
		Description:  gogitlab.Ptr(opts.Body),
		SourceBranch: gogitlab.Ptr(opts.Head),
		TargetBranch: gogitlab.Ptr(opts.Base),
	}
	if len(opts.Labels) > 0 {
		labels := gogitlab.LabelOptions(opts.Labels)
		createOpts.Labels = &labels
	}

	mr, resp, err := g.client.MergeRequests.CreateMergeRequest(g.projectID, createOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError("create MR", resp, err)
	}

	return g.GetPR(ctx, int(mr.IID))
}

// GetPR gets a merge request by IID.
func (g *GitLabProvider) GetPR(ctx context.Context, number int) (*hosting.PR, error) {
	mr, resp, err := g.client.MergeRequests.GetMergeRequest(g.projectID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("get MR %d", number), resp, err)
	}
	return mapMR(mr), nil
}

// ListPRsForBranch lists merge requests for a source branch.
func (g *GitLabProvider) ListPRsForBranch(ctx context.Context, branch, state string) ([]hosting.PR, error) {
	listOpts := &gogitlab.ListProjectMergeRequestsOptions{
		SourceBranch: gogitlab.Ptr(branch),
		ListOptions:  gogitlab.ListOptions{PerPage: 100},
	}
	switch state {
	case "", "open":
		listOpts.State = gogitlab.Ptr("opened")
	case "closed":
		listOpts.State = gogitlab.Ptr("closed")
	case "merged":
		listOpts.State = gogitlab.Ptr("merged")
	case "all":
		// No state filter.
	default:
		return nil, fmt.Errorf("unknown PR state %q", state)
	}

	mrs, resp, err := g.client.MergeRequests.ListProjectMergeRequests(g.projectID, listOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("list MRs for branch %q", branch), resp, err)
	}

	result := make([]hosting.PR, 0, len(mrs))
	for _, mr := range mrs {
		result = append(result, *mapBasicMR(mr))
	}
	return result, nil
}

// MergePR accepts (merges) a merge request.
func (g *GitLabProvider) MergePR(ctx context.Context, number int, opts hosting.PRMergeOptions) (*hosting.MergeResult, error) {
	acceptOpts := &gogitlab.AcceptMergeRequestOptions{}

	// Build merge commit message: title + body.
	if opts.CommitTitle != "" {
		msg := opts.CommitTitle
		if opts.CommitMessage != "" {
			msg = opts.CommitTitle + "\n\n" + opts.CommitMessage
		}
		acceptOpts.MergeCommitMessage = gogitlab.Ptr(msg)
	}
	if opts.Method == "squash" {
		acceptOpts.Squash = gogitlab.Ptr(true)
		if opts.CommitTitle != "" {
			acceptOpts.SquashCommitMessage = gogitlab.Ptr(opts.CommitTitle)
		}
	}
	if opts.SHA != "" {
		acceptOpts.SHA = gogitlab.Ptr(opts.SHA)
	}

	merged, resp, err := g.client.MergeRequests.AcceptMergeRequest(g.projectID, int64(number), acceptOpts, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("merge MR %d", number), resp, err)
	}

	sha := merged.MergeCommitSHA
	if sha == "" {
		sha = merged.SquashCommitSHA
	}
	if sha == "" {
		sha = merged.SHA
	}

	return &hosting.MergeResult{
		SHA:    sha,
		Merged: merged.State == "merged",
	}, nil
}

// UpdatePRBranch rebases the merge request branch onto the latest target.
func (g *GitLabProvider) UpdatePRBranch(ctx context.Context, number int) error {
	resp, err := g.client.MergeRequests.RebaseMergeRequest(g.projectID, int64(number), nil, gogitlab.WithContext(ctx))
	if err != nil {
		return requestError(fmt.Sprintf("rebase MR %d", number), resp, err)
	}
	return nil
}

// GetCheckRuns gets CI pipeline jobs for a ref, mapped to the unified
// CheckRun form.
func (g *GitLabProvider) GetCheckRuns(ctx context.Context, ref string) ([]hosting.CheckRun, error) {
	// Get the latest pipeline for the ref.
	pipelines, resp, err := g.client.Pipelines.ListProjectPipelines(g.projectID, &gogitlab.ListProjectPipelinesOptions{
		Ref:         gogitlab.Ptr(ref),
		ListOptions: gogitlab.ListOptions{PerPage: 1},
	}, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("list pipelines for ref %q", ref), resp, err)
	}

	if len(pipelines) == 0 {
		return nil, nil
	}

	// Get jobs for the latest pipeline.
	jobs, resp, err := g.client.Jobs.ListPipelineJobs(g.projectID, pipelines[0].ID, nil, gogitlab.WithContext(ctx))
	if err != nil {
		return nil, requestError(fmt.Sprintf("list pipeline jobs for ref %q", ref), resp, err)
	}

	checks := make([]hosting.CheckRun, 0, len(jobs))
	for _, job := range jobs {
		status, conclusion := mapJobStatus(job.Status)
		checks = append(checks, hosting.CheckRun{
			ID:         job.ID,
			Name:       job.Name,
			Status:     status,
			Conclusion: conclusion,
			Summary:    job.FailureReason,
		})
	}
	return checks, nil
}

// DeleteBranch deletes a branch from the remote.
func (g *GitLabProvider) DeleteBranch(ctx context.Context, branch string) error {
	resp, err := g.client.Branches.DeleteBranch(g.projectID, branch, gogitlab.WithContext(ctx))
	if err != nil {
		return requestError(fmt.Sprintf("delete branch %q", branch), resp, err)
	}
	return nil
}

// mapIssue converts a go-gitlab Issue to a hosting.Issue.
func mapIssue(is *gogitlab.Issue) hosting.Issue {
	state := is.State
	if state == "opened" {
		state = "open"
	}

	var createdAt, updatedAt string
	if is.CreatedAt != nil {
		createdAt = is.CreatedAt.Format(time.RFC3339)
	}
	if is.UpdatedAt != nil {
		updatedAt = is.UpdatedAt.Format(time.RFC3339)
	}

	var author string
	if is.Author != nil {
		author = is.Author.Username
	}

	return hosting.Issue{
		Number:    int(is.IID),
		Title:     is.Title,
		Body:      is.Description,
		State:     state,
		Labels:    []string(is.Labels),
		Author:    author,
		HTMLURL:   is.WebURL,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

// mapNote converts a go-gitlab Note to a hosting.IssueComment.
func mapNote(note *gogitlab.Note) hosting.IssueComment {
	var createdAt, updatedAt string
	if note.CreatedAt != nil {
		createdAt = note.CreatedAt.Format(time.RFC3339)
	}
	if note.UpdatedAt != nil {
		updatedAt = note.UpdatedAt.Format(time.RFC3339)
	}

	return hosting.IssueComment{
		ID:        note.ID,
		Body:      note.Body,
		Author:    note.Author.Username,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
}

// mapMR converts a go-gitlab MergeRequest to a hosting.PR.
func mapMR(mr *gogitlab.MergeRequest) *hosting.PR {
	state := mr.State
	switch state {
	case "opened":
		state = "open"
	}

	var createdAt, updatedAt string
	if mr.CreatedAt != nil {
		createdAt = mr.CreatedAt.Format(time.RFC3339)
	}
	if mr.UpdatedAt != nil {
		updatedAt = mr.UpdatedAt.Format(time.RFC3339)
	}

	mergeSHA := mr.MergeCommitSHA
	if mergeSHA == "" {
		mergeSHA = mr.SquashCommitSHA
	}

	return &hosting.PR{
		Number:         int(mr.IID),
		Title:          mr.Title,
		Body:           mr.Description,
		State:          state,
		Draft:          mr.Draft,
		HeadBranch:     mr.SourceBranch,
		HeadSHA:        mr.SHA,
		BaseBranch:     mr.TargetBranch,
		CrossRepo:      mr.SourceProjectID != mr.TargetProjectID,
		MergeableState: normalizeMergeStatus(mr.DetailedMergeStatus, mr.HasConflicts),
		MergeCommitSHA: mergeSHA,
		HTMLURL:        mr.WebURL,
		Labels:         []string(mr.Labels),
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
}

// mapBasicMR converts a go-gitlab BasicMergeRequest to a hosting.PR.
func mapBasicMR(mr *gogitlab.BasicMergeRequest) *hosting.PR {
	state := mr.State
	switch state {
	case "opened":
		state = "open"
	}

	var createdAt, updatedAt string
	if mr.CreatedAt != nil {
		createdAt = mr.CreatedAt.Format(time.RFC3339)
	}
	if mr.UpdatedAt != nil {
		updatedAt = mr.UpdatedAt.Format(time.RFC3339)
	}

	mergeSHA := mr.MergeCommitSHA
	if mergeSHA == "" {
		mergeSHA = mr.SquashCommitSHA
	}

	return &hosting.PR{
		Number:         int(mr.IID),
		Title:          mr.Title,
		Body:           mr.Description,
		State:          state,
		Draft:          mr.Draft,
		HeadBranch:     mr.SourceBranch,
		HeadSHA:        mr.SHA,
		BaseBranch:     mr.TargetBranch,
		CrossRepo:      mr.SourceProjectID != mr.TargetProjectID,
		MergeableState: normalizeMergeStatus(mr.DetailedMergeStatus, mr.HasConflicts),
		MergeCommitSHA: mergeSHA,
		HTMLURL:        mr.WebURL,
		Labels:         []string(mr.Labels),
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
}

// normalizeMergeStatus maps GitLab's detailed_merge_status values onto the
// provider-neutral mergeable-state set.
func normalizeMergeStatus(detailed string, hasConflicts bool) string {
	if hasConflicts {
		return "dirty"
	}
	switch detailed {
	case "mergeable":
		return "clean"
	case "need_rebase":
		return "behind"
	case "conflict", "broken_status":
		return "dirty"
	case "ci_still_running", "ci_must_pass":
		return "unstable"
	case "draft_status", "discussions_not_resolved", "not_approved", "blocked_status", "policies_denied":
		return "blocked"
	default:
		return "unknown"
	}
}

// mapJobStatus converts a GitLab job status to unified (status, conclusion) pair.
func mapJobStatus(gitlabStatus string) (status, conclusion string) {
	switch gitlabStatus {
	case "success":
		return "completed", "success"
	case "failed":
		return "completed", "failure"
	case "canceled":
		return "completed", "cancelled"
	case "skipped":
		return "completed", "skipped"
	case "running":
		return "in_progress", "running"
	case "pending", "created":
		return "queued", ""
	case "manual":
		return "queued", ""
	default:
		return "queued", ""
	}
}

// requestError normalizes go-gitlab errors into hosting.RequestError.
// The response may be nil when the request never completed.
func requestError(op string, resp *gogitlab.Response, err error) error {
	if err == nil {
		return nil
	}

	re := &hosting.RequestError{Op: op, Err: err}
	if resp != nil && resp.Response != nil {
		re.StatusCode = resp.StatusCode
		if re.StatusCode == http.StatusTooManyRequests {
			re.RateLimited = true
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if d, parseErr := time.ParseDuration(ra + "s"); parseErr == nil {
					re.RetryAfter = d
				}
			}
		}
	}
	return re
}
