package lanes

import "testing"

func TestClassifyConflictFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   ConflictClass
	}{
		{
			name:   "permission denied",
			output: "remote: Permission denied to ralph-bot",
			want:   ConflictPermission,
		},
		{
			name:   "http 403",
			output: "gh: HTTP 403: Resource not accessible by integration",
			want:   ConflictPermission,
		},
		{
			name:   "protected branch",
			output: "remote: error: GH006: Protected branch update failed",
			want:   ConflictPermission,
		},
		{
			name:   "missing tool",
			output: "sh: 1: gh: command not found",
			want:   ConflictTooling,
		},
		{
			name:   "not a repo",
			output: "fatal: not a git repository (or any of the parent directories)",
			want:   ConflictTooling,
		},
		{
			name:   "content conflict remains",
			output: "CONFLICT (content): Merge conflict in internal/worker/worker.go",
			want:   ConflictMergeContent,
		},
		{
			name:   "unmerged paths",
			output: "error: Pulling is not possible because you have unmerged paths.",
			want:   ConflictMergeContent,
		},
		{
			name:   "network reset is runtime",
			output: "fatal: unable to access remote: Connection reset by peer",
			want:   ConflictRuntime,
		},
		{
			name:   "empty output is runtime",
			output: "",
			want:   ConflictRuntime,
		},
		{
			name:   "permission wins over conflict",
			output: "CONFLICT (content): Merge conflict in a.go\nremote: Permission denied",
			want:   ConflictPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyConflictFailure(tt.output); got != tt.want {
				t.Errorf("ClassifyConflictFailure() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecideConflict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		class      ConflictClass
		retryCount int
		maxRetries int
		want       ConflictAction
	}{
		{"runtime retries", ConflictRuntime, 0, 2, ConflictRetry},
		{"runtime retries again", ConflictRuntime, 1, 2, ConflictRetry},
		{"runtime exhausted", ConflictRuntime, 2, 2, ConflictEscalate},
		{"permission escalates immediately", ConflictPermission, 0, 2, ConflictEscalate},
		{"tooling escalates immediately", ConflictTooling, 0, 2, ConflictEscalate},
		{"merge content defers", ConflictMergeContent, 0, 2, ConflictDefer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DecideConflict(tt.class, tt.retryCount, tt.maxRetries); got != tt.want {
				t.Errorf("DecideConflict(%q, %d, %d) = %q, want %q",
					tt.class, tt.retryCount, tt.maxRetries, got, tt.want)
			}
		})
	}
}
