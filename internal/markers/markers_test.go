package markers

import (
	"regexp"
	"strings"
	"testing"
)

var hexDigestPattern = regexp.MustCompile(`^[0-9a-f]{12}$`)

func TestDigest(t *testing.T) {
	t.Parallel()

	a := Digest("acme/widgets", "42")
	b := Digest("acme/widgets", "42")
	if a != b {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if !hexDigestPattern.MatchString(a) {
		t.Errorf("digest %q is not 12 lowercase hex chars", a)
	}
	if c := Digest("acme/widgets", "43"); c == a {
		t.Errorf("different inputs collided on %s", c)
	}
	// The separator keeps ("ab","c") and ("a","bc") apart.
	if Digest("ab", "c") == Digest("a", "bc") {
		t.Error("part boundaries are not separated")
	}
}

func TestCommentIDAndLeaseKey(t *testing.T) {
	t.Parallel()

	id := CommentID("acme/widgets", 7)
	if !hexDigestPattern.MatchString(id) {
		t.Errorf("CommentID = %q, want 12 hex chars", id)
	}
	if CommentID("acme/widgets", 7) != id {
		t.Error("CommentID is not deterministic")
	}
	if CommentID("acme/gadgets", 7) == id {
		t.Error("CommentID ignores repo")
	}

	lease := LeaseKey("acme/widgets", 7, "ralph/issue-7")
	if lease == id {
		t.Error("lease key collided with comment ID")
	}
	if LeaseKey("acme/widgets", 7, "ralph/issue-7-retry") == lease {
		t.Error("LeaseKey ignores branch")
	}
}

func TestIDLineAndHasID(t *testing.T) {
	t.Parallel()

	line := IDLine(KindCITriage, "3f9c02d41ab7")
	if line != "<!-- ralph-ci-triage:id=3f9c02d41ab7 -->" {
		t.Errorf("IDLine = %q", line)
	}

	body := "some visible text\n" + line + "\nmore text"
	if !HasID(body, KindCITriage, "3f9c02d41ab7") {
		t.Error("HasID missed an embedded marker")
	}
	if HasID(body, KindStuck, "3f9c02d41ab7") {
		t.Error("HasID matched the wrong kind")
	}
	if HasID(body, KindCITriage, "000000000000") {
		t.Error("HasID matched the wrong id")
	}
}

func TestStateLineRoundTrip(t *testing.T) {
	t.Parallel()

	in := TriageState{Signature: "ab12cd34ef56", Attempts: 2, LastAction: "resume"}
	line, err := StateLine(KindCITriage, in)
	if err != nil {
		t.Fatalf("StateLine() failed: %v", err)
	}
	if strings.Contains(line, "\n") {
		t.Errorf("state line contains a newline: %q", line)
	}
	if !strings.HasPrefix(line, "<!-- ralph-ci-triage:state={") {
		t.Errorf("unexpected state line shape: %q", line)
	}

	var out TriageState
	found, err := ExtractState(line, KindCITriage, &out)
	if err != nil {
		t.Fatalf("ExtractState() failed: %v", err)
	}
	if !found {
		t.Fatal("ExtractState did not find the state line")
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}

func TestExtractState(t *testing.T) {
	t.Parallel()

	t.Run("missing returns found=false", func(t *testing.T) {
		t.Parallel()
		var s TriageState
		found, err := ExtractState("no markers here", KindCITriage, &s)
		if err != nil {
			t.Fatalf("ExtractState() failed: %v", err)
		}
		if found {
			t.Error("found a state line in plain text")
		}
	})

	t.Run("wrong kind is skipped", func(t *testing.T) {
		t.Parallel()
		body := `<!-- ralph-stuck:state={"signature":"x","attempts":1,"last_action":"requeue"} -->`
		var s TriageState
		found, err := ExtractState(body, KindCITriage, &s)
		if err != nil {
			t.Fatalf("ExtractState() failed: %v", err)
		}
		if found {
			t.Error("matched a state line of a different kind")
		}
	})

	t.Run("corrupt state reports found with error", func(t *testing.T) {
		t.Parallel()
		body := `<!-- ralph-ci-triage:state={"attempts":"not-a-number"} -->`
		var s TriageState
		found, err := ExtractState(body, KindCITriage, &s)
		if !found {
			t.Error("corrupt state line not reported as found")
		}
		if err == nil {
			t.Error("corrupt state decoded without error")
		}
	})

	t.Run("two kinds side by side", func(t *testing.T) {
		t.Parallel()
		triage, err := StateLine(KindCITriage, TriageState{Signature: "aaa", Attempts: 1, LastAction: "spawn"})
		if err != nil {
			t.Fatalf("StateLine() failed: %v", err)
		}
		stuck, err := StateLine(KindStuck, TriageState{Signature: "bbb", Attempts: 2, LastAction: "requeue"})
		if err != nil {
			t.Fatalf("StateLine() failed: %v", err)
		}
		body := triage + "\n" + stuck + "\nvisible"

		var s TriageState
		if found, err := ExtractState(body, KindStuck, &s); err != nil || !found {
			t.Fatalf("ExtractState(stuck) = %v, %v", found, err)
		}
		if s.Signature != "bbb" {
			t.Errorf("Signature = %s, want bbb", s.Signature)
		}
	})
}

func TestComposeComment(t *testing.T) {
	t.Parallel()

	t.Run("with state", func(t *testing.T) {
		t.Parallel()
		body, err := ComposeComment(KindCITriage, "3f9c02d41ab7",
			TriageState{Signature: "aaa", Attempts: 1, LastAction: "spawn"},
			"CI failed; spawning a triage session.")
		if err != nil {
			t.Fatalf("ComposeComment() failed: %v", err)
		}
		lines := strings.Split(body, "\n")
		if len(lines) != 4 {
			t.Fatalf("len(lines) = %d, want 4:\n%s", len(lines), body)
		}
		if lines[0] != IDLine(KindCITriage, "3f9c02d41ab7") {
			t.Errorf("line 0 = %q", lines[0])
		}
		if !strings.HasPrefix(lines[1], "<!-- ralph-ci-triage:state=") {
			t.Errorf("line 1 = %q", lines[1])
		}
		if lines[2] != "" {
			t.Errorf("line 2 = %q, want blank", lines[2])
		}
		if lines[3] != "CI failed; spawning a triage session." {
			t.Errorf("line 3 = %q", lines[3])
		}

		if !HasID(body, KindCITriage, "3f9c02d41ab7") {
			t.Error("composed comment does not carry its own id")
		}
		var s TriageState
		if found, err := ExtractState(body, KindCITriage, &s); err != nil || !found {
			t.Fatalf("ExtractState on composed body = %v, %v", found, err)
		}
		if s.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", s.Attempts)
		}
	})

	t.Run("nil state omits state line", func(t *testing.T) {
		t.Parallel()
		body, err := ComposeComment(KindStuck, "abc123abc123", nil, "stalled")
		if err != nil {
			t.Fatalf("ComposeComment() failed: %v", err)
		}
		if strings.Contains(body, ":state=") {
			t.Errorf("nil state still produced a state line:\n%s", body)
		}
		if !strings.HasSuffix(body, "\n\nstalled") {
			t.Errorf("unexpected body shape:\n%q", body)
		}
	})
}
