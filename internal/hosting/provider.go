// Package hosting abstracts the code-hosting platform (GitHub, GitLab)
// behind a single Provider interface. The daemon syncs issues through it,
// workers create and merge pull requests through it, and recovery lanes
// post their marker comments through it. Provider implementations live in
// subpackages and register themselves at init time.
package hosting

import "context"

// ProviderType identifies a hosting provider implementation.
type ProviderType string

const (
	ProviderGitHub  ProviderType = "github"
	ProviderGitLab  ProviderType = "gitlab"
	ProviderUnknown ProviderType = "unknown"
)

// Provider is the hosting platform port. One instance is bound to one
// repository; methods never take an owner/repo pair.
//
// All methods honor ctx cancellation and return errors that Classify can
// bucket into transient / rate-limited / permission classes.
type Provider interface {
	// Name returns the provider type.
	Name() ProviderType

	// Repo returns the bound repository as "owner/name"
	// (GitLab groups may nest: "group/subgroup/name").
	Repo() string

	// CheckAuth validates the configured token.
	CheckAuth(ctx context.Context) error

	// ListIssues lists issues matching the options. Pull requests are
	// never returned even when the underlying API mixes them in.
	ListIssues(ctx context.Context, opts IssueListOptions) ([]Issue, error)

	// GetIssue fetches a single issue by number.
	GetIssue(ctx context.Context, number int) (*Issue, error)

	// CreateIssue opens a new issue (used for triage follow-ups).
	CreateIssue(ctx context.Context, opts IssueCreateOptions) (*Issue, error)

	// AddIssueLabels adds labels to an issue, creating them if needed.
	AddIssueLabels(ctx context.Context, number int, labels []string) error

	// ListIssueComments lists all top-level comments on an issue,
	// oldest first. Marker scans depend on seeing every comment.
	ListIssueComments(ctx context.Context, number int) ([]IssueComment, error)

	// CreateIssueComment posts a new comment on an issue.
	CreateIssueComment(ctx context.Context, number int, body string) (*IssueComment, error)

	// UpdateIssueComment replaces the body of an existing comment.
	// The issue number is required by providers that address comments
	// relative to their issue.
	UpdateIssueComment(ctx context.Context, number int, commentID int64, body string) (*IssueComment, error)

	// CreatePR opens a pull request.
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PR, error)

	// GetPR fetches a pull request by number.
	GetPR(ctx context.Context, number int) (*PR, error)

	// ListPRsForBranch lists pull requests whose head is the given
	// branch. State is "open", "closed", or "all" (default "open").
	ListPRsForBranch(ctx context.Context, branch, state string) ([]PR, error)

	// MergePR merges a pull request. When opts.SHA is set the merge is
	// refused server-side if the head has moved.
	MergePR(ctx context.Context, number int, opts PRMergeOptions) (*MergeResult, error)

	// UpdatePRBranch brings the PR branch up to date with its base
	// via the provider API.
	UpdatePRBranch(ctx context.Context, number int) error

	// GetCheckRuns returns CI check runs for a ref (branch or SHA).
	GetCheckRuns(ctx context.Context, ref string) ([]CheckRun, error)

	// DeleteBranch deletes a remote branch.
	DeleteBranch(ctx context.Context, branch string) error
}

// Issue is a provider-neutral issue representation.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`

	// State is "open" or "closed".
	State string `json:"state"`

	// StateReason refines a closed state where the provider reports one
	// ("completed", "not_planned", ...). Empty for open issues.
	StateReason string `json:"state_reason,omitempty"`

	Labels  []string `json:"labels,omitempty"`
	Author  string   `json:"author,omitempty"`
	HTMLURL string   `json:"html_url,omitempty"`

	// RFC3339 timestamps as reported by the provider.
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// IssueListOptions filters ListIssues.
type IssueListOptions struct {
	// State is "open", "closed", or "all". Default "open".
	State string

	// Labels restricts to issues carrying every listed label.
	Labels []string
}

// IssueCreateOptions holds fields for creating an issue.
type IssueCreateOptions struct {
	Title  string
	Body   string
	Labels []string
}

// IssueComment is a top-level comment on an issue.
type IssueComment struct {
	ID        int64  `json:"id"`
	Body      string `json:"body"`
	Author    string `json:"author,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// PR is a provider-neutral pull request representation.
type PR struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`

	// State is "open", "merged", or "closed".
	State string `json:"state"`

	Draft bool `json:"draft,omitempty"`

	HeadBranch string `json:"head_branch"`
	HeadSHA    string `json:"head_sha,omitempty"`
	BaseBranch string `json:"base_branch"`

	// CrossRepo is true when the head lives in a different repository
	// (fork PRs, or forks whose source repo is gone).
	CrossRepo bool `json:"cross_repo,omitempty"`

	// MergeableState normalizes the provider's merge readiness:
	// "clean", "behind", "dirty", "blocked", "unstable", or "unknown".
	MergeableState string `json:"mergeable_state,omitempty"`

	// MergeCommitSHA is set once the PR is merged.
	MergeCommitSHA string `json:"merge_commit_sha,omitempty"`

	HTMLURL string   `json:"html_url,omitempty"`
	Labels  []string `json:"labels,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// PRCreateOptions holds fields for creating a pull request.
type PRCreateOptions struct {
	Title  string
	Body   string
	Head   string
	Base   string
	Draft  bool
	Labels []string
}

// PRMergeOptions controls how a pull request is merged.
type PRMergeOptions struct {
	// Method is "merge", "squash", or "rebase". Default "merge".
	Method string

	CommitTitle   string
	CommitMessage string

	// SHA, when set, is the head SHA the merge is expected to apply to.
	SHA string
}

// MergeResult reports the outcome of MergePR.
type MergeResult struct {
	// SHA is the resulting merge (or squash) commit.
	SHA    string `json:"sha"`
	Merged bool   `json:"merged"`
}

// CheckRun is one CI check on a ref.
//
// Status is "queued", "in_progress", or "completed"; Conclusion is set
// only for completed runs ("success", "failure", "neutral", "cancelled",
// "skipped", "timed_out", "action_required").
type CheckRun struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`

	// Summary is the provider's failure output where it exposes one
	// (GitHub check-run output summary, GitLab job failure reason).
	// Failure signatures are built from it.
	Summary string `json:"summary,omitempty"`
}

// Config holds hosting provider configuration for one repository.
type Config struct {
	// Provider type: "github", "gitlab", or "auto" (default). When
	// "auto", the provider is detected from BaseURL and falls back
	// to GitHub.
	Provider string `yaml:"provider" json:"provider"`

	// BaseURL for self-hosted instances
	// (e.g. "https://gitlab.company.com"). Empty for the public hosts.
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`

	// TokenEnvVar overrides the token environment variable name.
	// Default: GITHUB_TOKEN for GitHub, GITLAB_TOKEN for GitLab.
	TokenEnvVar string `yaml:"token_env_var" json:"token_env_var,omitempty"`

	// RequestsPerSecond caps outbound API calls; 0 means the default.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second,omitempty"`

	// Burst is the limiter burst size; 0 means the default.
	Burst int `yaml:"burst" json:"burst,omitempty"`
}
