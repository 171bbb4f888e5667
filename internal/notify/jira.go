package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	v3 "github.com/ctreminiom/go-atlassian/v2/jira/v3"
	"github.com/ctreminiom/go-atlassian/v2/pkg/infra/models"
)

// JiraConfig holds the configuration for the Jira Cloud notification sink.
type JiraConfig struct {
	// BaseURL is the Jira Cloud instance URL (e.g., "https://acme.atlassian.net").
	BaseURL string
	// Email is the user's email address for basic auth.
	Email string
	// APIToken is the API token for basic auth.
	APIToken string
	// ProjectKey is the Jira project that receives the alert issues.
	ProjectKey string
	// IssueType names the issue type to create. Defaults to "Task".
	IssueType string
}

// JiraNotifier files a Jira issue per notification so escalations show up
// in the operator's triage queue.
type JiraNotifier struct {
	jira *v3.Client
	cfg  JiraConfig
}

// NewJiraNotifier creates a Jira Cloud sink with basic auth.
func NewJiraNotifier(cfg JiraConfig) (*JiraNotifier, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("jira base URL is required")
	}
	if cfg.Email == "" {
		return nil, fmt.Errorf("jira email is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("jira API token is required")
	}
	if cfg.ProjectKey == "" {
		return nil, fmt.Errorf("jira project key is required")
	}
	if cfg.IssueType == "" {
		cfg.IssueType = "Task"
	}

	// Ensure URL doesn't have trailing slash
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	client, err := v3.New(&http.Client{Timeout: 30 * time.Second}, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create jira client: %w", err)
	}

	client.Auth.SetBasicAuth(cfg.Email, cfg.APIToken)
	client.Auth.SetUserAgent("ralph-notify/1.0")

	return &JiraNotifier{jira: client, cfg: cfg}, nil
}

// Notify creates one Jira issue for the notification.
func (j *JiraNotifier) Notify(ctx context.Context, n Notification) error {
	payload := &models.IssueScheme{
		Fields: &models.IssueFieldsScheme{
			Summary:     issueSummary(n),
			Project:     &models.ProjectScheme{Key: j.cfg.ProjectKey},
			IssueType:   &models.IssueTypeScheme{Name: j.cfg.IssueType},
			Labels:      issueLabels(n),
			Description: adfDocument(issueBody(n)),
		},
	}

	_, resp, err := j.jira.Issue.Create(ctx, payload, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira create issue (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira create issue: %w", err)
	}
	return nil
}

// CheckAuth verifies the sink can authenticate with Jira.
func (j *JiraNotifier) CheckAuth(ctx context.Context) error {
	_, resp, err := j.jira.MySelf.Details(ctx, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("jira auth check failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("jira auth check failed: %w", err)
	}
	return nil
}

// issueSummary picks the alert title, composing one from the notification
// coordinates when the caller left it empty.
func issueSummary(n Notification) string {
	if n.Title != "" {
		return n.Title
	}
	return fmt.Sprintf("%s: %s#%d", n.Kind, n.Repo, n.IssueNumber)
}

// issueLabels tags every alert issue so JQL filters can find them.
func issueLabels(n Notification) []string {
	return []string{"ralph", "ralph-" + string(n.Kind)}
}

// issueBody appends the task coordinates to the caller's body so the Jira
// issue stands alone without the orchestrator's state DB.
func issueBody(n Notification) string {
	var b strings.Builder
	if n.Body != "" {
		b.WriteString(n.Body)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Repository: %s\nIssue: #%d\nTask: %d\nRun: %s", n.Repo, n.IssueNumber, n.TaskID, n.RunID)
	if n.URL != "" {
		fmt.Fprintf(&b, "\nLink: %s", n.URL)
	}
	return b.String()
}

// adfDocument wraps plain text in an Atlassian Document Format tree.
// Blank lines separate paragraphs; single newlines become hard breaks.
func adfDocument(text string) *models.CommentNodeScheme {
	doc := &models.CommentNodeScheme{
		Version: 1,
		Type:    "doc",
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimRight(para, "\n")
		if para == "" {
			continue
		}
		node := &models.CommentNodeScheme{Type: "paragraph"}
		for i, line := range strings.Split(para, "\n") {
			if i > 0 {
				node.Content = append(node.Content, &models.CommentNodeScheme{Type: "hardBreak"})
			}
			node.Content = append(node.Content, &models.CommentNodeScheme{Type: "text", Text: line})
		}
		doc.Content = append(doc.Content, node)
	}
	return doc
}
