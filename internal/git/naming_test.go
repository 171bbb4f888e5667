package git

import "testing"

func TestRepoDirName(t *testing.T) {
	if got := RepoDirName("acme/widgets"); got != "acme-widgets" {
		t.Errorf("RepoDirName = %q", got)
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName(7, 12); got != "ralph/7-12" {
		t.Errorf("BranchName = %q", got)
	}
}

func TestIsBotBranch(t *testing.T) {
	tests := []struct {
		branch string
		want   bool
	}{
		{"dependabot/npm_and_yarn/lodash-4.17.21", true},
		{"renovate/major-eslint", true},
		{"snyk-fix-abc123", true},
		{"ralph/7-12", false},
		{"main", false},
		{"feature/dependabot-config", false},
	}
	for _, tt := range tests {
		if got := IsBotBranch(tt.branch); got != tt.want {
			t.Errorf("IsBotBranch(%q) = %v, want %v", tt.branch, got, tt.want)
		}
	}
}
