package session

import (
	"strings"
	"testing"
)

func TestParseEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		line    string
		ok      bool
		kind    EventKind
		session string
		text    string
		tool    string
		args    string
		errCode string
		tokens  int64
	}{
		{
			name:    "tool start",
			line:    `{"type":"tool_start","sessionId":"ses_1","tool":"bash","args":{"command":"make check"}}`,
			ok:      true,
			kind:    KindToolStart,
			session: "ses_1",
			tool:    "bash",
			args:    `{"command":"make check"}`,
		},
		{
			name:    "sessionID alias",
			line:    `{"type":"text","sessionID":"ses_2","part":{"text":"working on it"}}`,
			ok:      true,
			kind:    KindText,
			session: "ses_2",
			text:    "working on it",
		},
		{
			name: "top-level text accepted",
			line: `{"type":"text","text":"hello"}`,
			ok:   true,
			kind: KindText,
			text: "hello",
		},
		{
			name: "tool object form",
			line: `{"type":"tool_end","tool":{"name":"edit"}}`,
			ok:   true,
			kind: KindToolEnd,
			tool: "edit",
		},
		{
			name:    "error event carries code",
			line:    `{"type":"error","code":"context_length_exceeded"}`,
			ok:      true,
			kind:    KindError,
			errCode: "context_length_exceeded",
		},
		{
			name:    "session updated with tokens",
			line:    `{"type":"session.updated","sessionId":"ses_3","tokens":1234}`,
			ok:      true,
			kind:    KindSessionUpdated,
			session: "ses_3",
			tokens:  1234,
		},
		{
			name:   "usage total tokens accepted",
			line:   `{"type":"session.updated","usage":{"total_tokens":99}}`,
			ok:     true,
			kind:   KindSessionUpdated,
			tokens: 99,
		},
		{
			name: "step start",
			line: `{"type":"step-start","step":"build"}`,
			ok:   true,
			kind: KindStepStart,
		},
		{
			name: "unknown type is other",
			line: `{"type":"telemetry","x":1}`,
			ok:   true,
			kind: KindOther,
		},
		{
			name: "malformed json dropped",
			line: `{"type":"text","part":`,
			ok:   false,
		},
		{
			name: "prose dropped",
			line: "Installing dependencies...",
			ok:   false,
		},
		{
			name: "blank dropped",
			line: "   ",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, ok := ParseEvent(tt.line)
			if ok != tt.ok {
				t.Fatalf("ok = %t, want %t", ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", ev.Kind, tt.kind)
			}
			if ev.SessionID != tt.session {
				t.Errorf("SessionID = %q, want %q", ev.SessionID, tt.session)
			}
			if ev.Text != tt.text {
				t.Errorf("Text = %q, want %q", ev.Text, tt.text)
			}
			if ev.Tool != tt.tool {
				t.Errorf("Tool = %q, want %q", ev.Tool, tt.tool)
			}
			if ev.ArgsPreview != tt.args {
				t.Errorf("ArgsPreview = %q, want %q", ev.ArgsPreview, tt.args)
			}
			if ev.ErrorCode != tt.errCode {
				t.Errorf("ErrorCode = %q, want %q", ev.ErrorCode, tt.errCode)
			}
			if ev.Tokens != tt.tokens {
				t.Errorf("Tokens = %d, want %d", ev.Tokens, tt.tokens)
			}
		})
	}
}

func TestParseEventArgsPreviewCapped(t *testing.T) {
	t.Parallel()

	big := strings.Repeat("x", 500)
	ev, ok := ParseEvent(`{"type":"tool_start","tool":"bash","args":{"command":"` + big + `"}}`)
	if !ok {
		t.Fatal("event did not parse")
	}
	if len(ev.ArgsPreview) != argsPreviewCap {
		t.Errorf("len(ArgsPreview) = %d, want %d", len(ev.ArgsPreview), argsPreviewCap)
	}
}

func TestEventFingerprint(t *testing.T) {
	t.Parallel()

	a, _ := ParseEvent(`{"type":"tool_start","tool":"bash","args":{"command":"go test"}}`)
	b, _ := ParseEvent(`{"type":"tool_start","tool":"bash","args":{"command":"go test"}}`)
	c, _ := ParseEvent(`{"type":"tool_start","tool":"bash","args":{"command":"go vet"}}`)

	if a.fingerprint() != b.fingerprint() {
		t.Error("identical invocations got different fingerprints")
	}
	if a.fingerprint() == c.fingerprint() {
		t.Error("different args got the same fingerprint")
	}
}
