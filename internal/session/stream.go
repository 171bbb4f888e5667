package session

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

const (
	// maxOutputLines caps captured output so a chatty agent cannot
	// exhaust memory. The marker parsers only need the tail.
	maxOutputLines = 10000

	// maxLineBytes sizes the scanner buffer; single JSON events can be
	// large when tool output is embedded.
	maxLineBytes = 4 * 1024 * 1024
)

// streamer consumes the agent's line-delimited JSON output: it captures
// lines for the Result, parses events permissively, and fans them out to
// the monitor and the caller's OnEvent hook. Malformed lines, including the
// partial tail a killed process leaves behind, fail the permissive parse
// and never become events.
type streamer struct {
	onEvent func(Event)
	mon     *monitor

	mu        sync.Mutex
	lines     []string
	next      int
	truncated bool
	stderr    []string
	sessionID string
	tokens    int64
	errorCode string
}

// maxStderrLines bounds the retained stderr tail.
const maxStderrLines = 200

func newStreamer(onEvent func(Event), mon *monitor) *streamer {
	return &streamer{onEvent: onEvent, mon: mon}
}

// consume reads r to EOF. Run it in its own goroutine per stream.
func (s *streamer) consume(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		s.capture(line)

		ev, ok := ParseEvent(line)
		if !ok {
			continue
		}
		s.note(ev)
		if s.mon != nil {
			s.mon.observe(ev)
		}
		if s.onEvent != nil {
			s.onEvent(ev)
		}
	}
}

// consumeErr reads stderr to EOF. Lines are kept as a bounded tail for
// diagnostics and sniffed for context-window exhaustion, which some agent
// builds report only as plain text.
func (s *streamer) consumeErr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		s.stderr = append(s.stderr, line)
		if len(s.stderr) > maxStderrLines {
			s.stderr = s.stderr[1:]
		}
		if s.errorCode == "" && looksLikeContextExhaustion(line) {
			s.errorCode = ErrorCodeContextLengthExceeded
		}
		s.mu.Unlock()
	}
}

func looksLikeContextExhaustion(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "context_length_exceeded") ||
		strings.Contains(l, "context length exceeded") ||
		strings.Contains(l, "prompt is too long")
}

// errTail returns the retained stderr tail.
func (s *streamer) errTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.stderr, "\n")
}

func (s *streamer) capture(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) < maxOutputLines {
		s.lines = append(s.lines, line)
	} else {
		// Keep the tail, not the head: the stage markers the parsers
		// look for arrive on the final lines of a session.
		s.truncated = true
		s.lines[s.next] = line
		s.next = (s.next + 1) % maxOutputLines
	}
	if s.errorCode == "" && looksLikeContextExhaustion(line) {
		s.errorCode = ErrorCodeContextLengthExceeded
	}
}

// note records stream-level facts carried by events: the session ID, the
// running token total, and any terminal error code.
func (s *streamer) note(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID == "" && ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}
	if ev.Tokens > 0 {
		s.tokens = ev.Tokens
	}
	if ev.Kind == KindError && ev.ErrorCode != "" {
		s.errorCode = ev.ErrorCode
	}
}

// output joins the captured lines in arrival order. When the capture ring
// wrapped, a truncation sentinel heads the retained window.
func (s *streamer) output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.truncated {
		return strings.Join(s.lines, "\n")
	}
	parts := make([]string, 0, len(s.lines)+1)
	parts = append(parts, "[output truncated]")
	parts = append(parts, s.lines[s.next:]...)
	parts = append(parts, s.lines[:s.next]...)
	return strings.Join(parts, "\n")
}

// fill copies the stream-level facts into res and settles token quality.
func (s *streamer) fill(res *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.SessionID == "" {
		res.SessionID = s.sessionID
	}
	if res.ErrorCode == "" {
		res.ErrorCode = s.errorCode
	}

	switch {
	case s.tokens > 0:
		res.Tokens = s.tokens
		res.TokenQuality = "measured"
	case len(s.lines) > 0:
		var n int
		for _, l := range s.lines {
			n += len(l)
		}
		res.Tokens = int64(n / 4)
		res.TokenQuality = "estimated"
	default:
		res.TokenQuality = "missing"
	}
}
