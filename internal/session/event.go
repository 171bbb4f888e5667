package session

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// EventKind tags a parsed agent event.
type EventKind string

// Recognized event kinds. Anything else parses as KindOther.
const (
	KindText           EventKind = "text"
	KindToolStart      EventKind = "tool_start"
	KindToolEnd        EventKind = "tool_end"
	KindToolProgress   EventKind = "tool_progress"
	KindStepStart      EventKind = "step-start"
	KindSessionUpdated EventKind = "session.updated"
	KindError          EventKind = "error"
	KindOther          EventKind = "other"
)

// Event is one line of the agent's JSON event stream.
type Event struct {
	Kind      EventKind
	SessionID string
	Text      string
	Tool      string
	// ArgsPreview is the tool invocation's raw args JSON, capped. Feeds
	// watchdog signatures and loop detection.
	ArgsPreview string
	ErrorCode   string
	Tokens      int64
	Raw         string
	Time        time.Time
}

const argsPreviewCap = 200

// ParseEvent parses one output line permissively. Malformed lines report
// ok=false and are dropped by the caller.
func ParseEvent(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
		return Event{}, false
	}

	parsed := gjson.Parse(line)
	ev := Event{
		Kind: KindOther,
		Raw:  line,
		Time: time.Now(),
	}

	switch parsed.Get("type").String() {
	case "text":
		ev.Kind = KindText
	case "tool_start":
		ev.Kind = KindToolStart
	case "tool_end":
		ev.Kind = KindToolEnd
	case "tool_progress":
		ev.Kind = KindToolProgress
	case "step-start":
		ev.Kind = KindStepStart
	case "session.updated":
		ev.Kind = KindSessionUpdated
	case "error":
		ev.Kind = KindError
	}

	// sessionId is canonical; sessionID is an accepted alias.
	if sid := parsed.Get("sessionId"); sid.Exists() {
		ev.SessionID = sid.String()
	} else if sid := parsed.Get("sessionID"); sid.Exists() {
		ev.SessionID = sid.String()
	}

	// part.text is canonical; a top-level text field is accepted.
	if txt := parsed.Get("part.text"); txt.Exists() {
		ev.Text = txt.String()
	} else if txt := parsed.Get("text"); txt.Exists() {
		ev.Text = txt.String()
	}

	if tool := parsed.Get("tool"); tool.Exists() {
		if tool.IsObject() {
			ev.Tool = tool.Get("name").String()
		} else {
			ev.Tool = tool.String()
		}
	} else if tool := parsed.Get("toolName"); tool.Exists() {
		ev.Tool = tool.String()
	}

	if args := parsed.Get("args"); args.Exists() {
		ev.ArgsPreview = capPreview(args.Raw)
	}

	if ev.Kind == KindError {
		ev.ErrorCode = parsed.Get("code").String()
	}

	if tok := parsed.Get("tokens"); tok.Exists() {
		ev.Tokens = tok.Int()
	} else if tok := parsed.Get("usage.total_tokens"); tok.Exists() {
		ev.Tokens = tok.Int()
	}

	return ev, true
}

func capPreview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > argsPreviewCap {
		return s[:argsPreviewCap]
	}
	return s
}

// fingerprint identifies a tool invocation for loop detection.
func (e Event) fingerprint() string {
	return e.Tool + "|" + e.ArgsPreview
}
