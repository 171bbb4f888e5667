// Package events provides event types and publishing infrastructure for ralph.
package events

import (
	"time"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTaskClaimed indicates a daemon claimed a task.
	EventTaskClaimed EventType = "task_claimed"
	// EventTaskStatus indicates a task status transition.
	EventTaskStatus EventType = "task_status"
	// EventRunStarted indicates a worker invocation began.
	EventRunStarted EventType = "run_started"
	// EventRunCompleted indicates a worker invocation finished.
	EventRunCompleted EventType = "run_completed"
	// EventStage indicates a pipeline stage status change.
	EventStage EventType = "stage"
	// EventGate indicates a gate result was recorded.
	EventGate EventType = "gate"
	// EventLane indicates a recovery lane made a decision.
	EventLane EventType = "lane"
	// EventAgent indicates agent session activity (tool calls, text).
	EventAgent EventType = "agent"
	// EventTokens indicates a token usage update.
	EventTokens EventType = "tokens"
	// EventThrottle indicates the throttle gate changed.
	EventThrottle EventType = "throttle"
	// EventRepoSynced indicates a repository issue sync finished.
	EventRepoSynced EventType = "repo_synced"
	// EventHeartbeat indicates the daemon is alive (per tick).
	EventHeartbeat EventType = "heartbeat"
	// EventNotification indicates a human-facing notification went out.
	EventNotification EventType = "notification"
	// EventWarning indicates a non-fatal warning.
	EventWarning EventType = "warning"
	// EventError indicates an error occurred.
	EventError EventType = "error"
)

// Event represents a published event. Task carries the issue reference
// ("owner/repo#123") the event belongs to, or GlobalTaskID for daemon-wide
// events.
type Event struct {
	Type  EventType `json:"type"`
	Task  string    `json:"task"`
	RunID string    `json:"run_id,omitempty"`
	Data  any       `json:"data"`
	Time  time.Time `json:"time"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, task string, data any) Event {
	return Event{
		Type: eventType,
		Task: task,
		Data: data,
		Time: time.Now(),
	}
}

// StatusUpdate describes a task status transition.
type StatusUpdate struct {
	From          string `json:"from"`
	To            string `json:"to"`
	BlockedSource string `json:"blocked_source,omitempty"`
	BlockedReason string `json:"blocked_reason,omitempty"`
}

// StageUpdate describes a pipeline stage status change.
type StageUpdate struct {
	Stage  string `json:"stage"`
	Status string `json:"status"` // started, completed, failed, recovered
	Error  string `json:"error,omitempty"`
}

// GateUpdate describes a recorded gate result.
type GateUpdate struct {
	Gate       string `json:"gate"`
	Status     string `json:"status"` // pending, pass, fail, skipped
	Reason     string `json:"reason,omitempty"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// LaneUpdate describes a recovery lane decision.
type LaneUpdate struct {
	Lane      string `json:"lane"`
	Decision  string `json:"decision"`
	Signature string `json:"signature,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// AgentActivity describes observable agent session activity.
type AgentActivity struct {
	Stage    string `json:"stage"`
	Kind     string `json:"kind"` // text, tool_start, tool_end, step_start
	Tool     string `json:"tool,omitempty"`
	Excerpt  string `json:"excerpt,omitempty"`
	Session  string `json:"session,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// TokenUpdate describes per-run token accounting.
type TokenUpdate struct {
	SessionID string `json:"session_id"`
	Tokens    int64  `json:"tokens"`
	Quality   string `json:"quality"` // measured, estimated, missing
}

// ThrottleUpdate describes a throttle gate change.
type ThrottleUpdate struct {
	Gate   string `json:"gate"` // running, soft-throttled, hard-throttled
	Reason string `json:"reason,omitempty"`
	Until  string `json:"until,omitempty"`
}

// SyncData describes a completed repository sync.
type SyncData struct {
	Repo       string `json:"repo"`
	OpenIssues int    `json:"open_issues"`
	Labelled   int    `json:"labelled"`
	Took       string `json:"took"`
}

// HeartbeatData describes a daemon heartbeat.
type HeartbeatData struct {
	DaemonID string    `json:"daemon_id"`
	Tick     uint64    `json:"tick"`
	InFlight int       `json:"in_flight"`
	Time     time.Time `json:"time"`
}

// NotificationData describes a human-facing notification.
type NotificationData struct {
	Channel string `json:"channel"` // log, github, jira
	Subject string `json:"subject"`
	Ref     string `json:"ref,omitempty"`
}

// ErrorData represents error information.
type ErrorData struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

// WarningData represents a non-fatal warning.
type WarningData struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}
