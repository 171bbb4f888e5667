package github

import (
	"errors"
	"net/http"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v82/github"

	"github.com/randalmurphal/ralph/internal/hosting"
)

func TestResolveToken(t *testing.T) {
	// Cannot use t.Parallel() — t.Setenv modifies process environment.

	tests := []struct {
		name      string
		cfg       hosting.Config
		envVars   map[string]string
		wantToken string
		wantErr   bool
	}{
		{
			name: "GITHUB_TOKEN set",
			cfg:  hosting.Config{},
			envVars: map[string]string{
				"GITHUB_TOKEN": "ghp_test123",
			},
			wantToken: "ghp_test123",
		},
		{
			name:    "no token set returns error",
			cfg:     hosting.Config{},
			wantErr: true,
		},
		{
			name: "custom env var overrides default",
			cfg:  hosting.Config{TokenEnvVar: "MY_GH_TOKEN"},
			envVars: map[string]string{
				"MY_GH_TOKEN": "custom_value",
			},
			wantToken: "custom_value",
		},
		{
			name: "custom env var ignores GITHUB_TOKEN",
			cfg:  hosting.Config{TokenEnvVar: "MY_GH_TOKEN"},
			envVars: map[string]string{
				"GITHUB_TOKEN": "should_not_use",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GITHUB_TOKEN", "")
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			token, err := resolveToken(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("resolveToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if token != tt.wantToken {
				t.Errorf("resolveToken() = %q, want %q", token, tt.wantToken)
			}
		})
	}
}

func TestNewProvider(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	p, err := newProvider("acme/widgets", hosting.Config{})
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	if p.Name() != hosting.ProviderGitHub {
		t.Errorf("Name() = %q, want github", p.Name())
	}
	if p.Repo() != "acme/widgets" {
		t.Errorf("Repo() = %q, want acme/widgets", p.Repo())
	}
}

func TestNewProvider_BadRepo(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	if _, err := newProvider("widgets", hosting.Config{}); err == nil {
		t.Fatal("newProvider() should reject a repo without an owner")
	}
}

func TestNewProvider_EnterpriseBaseURL(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	p, err := newProvider("acme/widgets", hosting.Config{BaseURL: "https://github.corp.example.com/"})
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}

	gh := p.(*GitHubProvider)
	if got := gh.client.BaseURL.String(); got != "https://github.corp.example.com/api/v3/" {
		t.Errorf("BaseURL = %q, want enterprise /api/v3/ suffix", got)
	}
}

type headerCaptureTransport struct {
	auth string
}

func (h *headerCaptureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	h.auth = req.Header.Get("Authorization")
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
}

func TestOAuth2Transport(t *testing.T) {
	capture := &headerCaptureTransport{}
	rt := &oauth2Transport{token: "ghp_secret", base: capture}

	req, err := http.NewRequest(http.MethodGet, "https://api.github.com/user", nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	resp.Body.Close()

	if capture.auth != "Bearer ghp_secret" {
		t.Errorf("Authorization = %q, want bearer token", capture.auth)
	}
	// The original request must not be mutated.
	if req.Header.Get("Authorization") != "" {
		t.Error("RoundTrip mutated the original request")
	}
}

func TestNormalizeMergeableState(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"clean", "clean"},
		{"behind", "behind"},
		{"dirty", "dirty"},
		{"blocked", "blocked"},
		{"unstable", "unstable"},
		{"draft", "blocked"},
		{"has_hooks", "clean"},
		{"unknown", "unknown"},
		{"", "unknown"},
	}

	for _, tt := range tests {
		if got := normalizeMergeableState(tt.in); got != tt.want {
			t.Errorf("normalizeMergeableState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRequestError_ErrorResponse(t *testing.T) {
	apiErr := &gogithub.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  "Resource not accessible by integration",
	}

	err := requestError("create PR", apiErr)

	var re *hosting.RequestError
	if !errors.As(err, &re) {
		t.Fatal("requestError() should produce a hosting.RequestError")
	}
	if re.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", re.StatusCode)
	}
	if re.RateLimited {
		t.Error("a plain 403 must not be marked rate-limited")
	}
	if hosting.Classify(err) != hosting.ClassPermission {
		t.Errorf("Classify() = %v, want permission", hosting.Classify(err))
	}
}

func TestRequestError_RateLimit(t *testing.T) {
	apiErr := &gogithub.RateLimitError{
		Rate:     gogithub.Rate{Reset: gogithub.Timestamp{Time: time.Now().Add(time.Minute)}},
		Response: &http.Response{StatusCode: http.StatusForbidden},
		Message:  "API rate limit exceeded",
	}

	err := requestError("list issues", apiErr)

	if hosting.Classify(err) != hosting.ClassRateLimited {
		t.Fatalf("Classify() = %v, want rate-limited", hosting.Classify(err))
	}
	if wait, ok := hosting.RetryAfterHint(err); !ok || wait <= 0 || wait > time.Minute {
		t.Errorf("RetryAfterHint() = (%v, %v), want positive hint under a minute", wait, ok)
	}
}

func TestRequestError_SecondaryRateLimit(t *testing.T) {
	retryAfter := 30 * time.Second
	apiErr := &gogithub.AbuseRateLimitError{
		Response:   &http.Response{StatusCode: http.StatusForbidden},
		RetryAfter: &retryAfter,
	}

	err := requestError("create PR", apiErr)

	if hosting.Classify(err) != hosting.ClassRateLimited {
		t.Fatalf("Classify() = %v, want rate-limited", hosting.Classify(err))
	}
	if wait, ok := hosting.RetryAfterHint(err); !ok || wait != retryAfter {
		t.Errorf("RetryAfterHint() = (%v, %v), want (30s, true)", wait, ok)
	}
}

func TestRequestError_ServerError(t *testing.T) {
	apiErr := &gogithub.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusBadGateway},
	}

	err := requestError("get PR 9", apiErr)
	if hosting.Classify(err) != hosting.ClassTransient {
		t.Errorf("Classify() = %v, want transient", hosting.Classify(err))
	}
}

func TestRequestError_TransportError(t *testing.T) {
	err := requestError("get issue 4", errors.New("dial tcp: connection refused"))

	var re *hosting.RequestError
	if !errors.As(err, &re) {
		t.Fatal("requestError() should wrap transport errors too")
	}
	if re.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for transport errors", re.StatusCode)
	}
}

func TestMapPR(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	pr := &gogithub.PullRequest{
		Number:         gogithub.Ptr(7),
		Title:          gogithub.Ptr("Add retry budget"),
		State:          gogithub.Ptr("closed"),
		MergedAt:       &gogithub.Timestamp{Time: now},
		Draft:          gogithub.Ptr(false),
		MergeableState: gogithub.Ptr("behind"),
		MergeCommitSHA: gogithub.Ptr("cafe12"),
		CreatedAt:      &gogithub.Timestamp{Time: now.Add(-time.Hour)},
		Head: &gogithub.PullRequestBranch{
			Ref:  gogithub.Ptr("ralph/7-3"),
			SHA:  gogithub.Ptr("abc123"),
			Repo: &gogithub.Repository{FullName: gogithub.Ptr("acme/widgets")},
		},
		Base: &gogithub.PullRequestBranch{
			Ref:  gogithub.Ptr("main"),
			Repo: &gogithub.Repository{FullName: gogithub.Ptr("acme/widgets")},
		},
	}

	got := mapPR(pr)

	if got.State != "merged" {
		t.Errorf("State = %q, want merged (merged_at set)", got.State)
	}
	if got.CrossRepo {
		t.Error("same-repo PR marked cross-repo")
	}
	if got.MergeableState != "behind" {
		t.Errorf("MergeableState = %q, want behind", got.MergeableState)
	}
	if got.HeadBranch != "ralph/7-3" || got.BaseBranch != "main" {
		t.Errorf("branches = (%q, %q)", got.HeadBranch, got.BaseBranch)
	}
	if got.MergeCommitSHA != "cafe12" {
		t.Errorf("MergeCommitSHA = %q", got.MergeCommitSHA)
	}
	if got.CreatedAt != now.Add(-time.Hour).Format(time.RFC3339) {
		t.Errorf("CreatedAt = %q", got.CreatedAt)
	}
}

func TestMapPR_ForkWithoutSourceRepo(t *testing.T) {
	pr := &gogithub.PullRequest{
		Number: gogithub.Ptr(8),
		State:  gogithub.Ptr("open"),
		Head:   &gogithub.PullRequestBranch{Ref: gogithub.Ptr("feature")},
		Base: &gogithub.PullRequestBranch{
			Ref:  gogithub.Ptr("main"),
			Repo: &gogithub.Repository{FullName: gogithub.Ptr("acme/widgets")},
		},
	}

	got := mapPR(pr)
	if !got.CrossRepo {
		t.Error("PR with missing head repo should be treated as cross-repo")
	}
	if got.State != "open" {
		t.Errorf("State = %q, want open", got.State)
	}
	if got.MergeableState != "unknown" {
		t.Errorf("MergeableState = %q, want unknown", got.MergeableState)
	}
}
