package events

// PublishHelper wraps event publishing with nil-safety and convenience
// methods for the worker pipeline. All methods are safe to call even when
// the underlying publisher is nil.
//
// Thread-safe: all methods can be called concurrently.
type PublishHelper struct {
	publisher Publisher
	task      string
	runID     string
}

// NewPublishHelper creates a helper bound to one task. If p is nil, all
// publish operations become no-ops.
func NewPublishHelper(p Publisher, task string) *PublishHelper {
	return &PublishHelper{publisher: p, task: task}
}

// WithRunID returns a copy of the helper that stamps events with the run ID.
func (ep *PublishHelper) WithRunID(runID string) *PublishHelper {
	if ep == nil {
		return nil
	}
	return &PublishHelper{publisher: ep.publisher, task: ep.task, runID: runID}
}

// Publish sends an event to the underlying publisher.
// Safe to call with nil receiver or nil publisher (no-op).
func (ep *PublishHelper) Publish(ev Event) {
	if ep == nil || ep.publisher == nil {
		return
	}
	if ev.Task == "" {
		ev.Task = ep.task
	}
	if ev.RunID == "" {
		ev.RunID = ep.runID
	}
	ep.publisher.Publish(ev)
}

// StageStarted publishes a stage start event.
func (ep *PublishHelper) StageStarted(stage string) {
	ep.Publish(NewEvent(EventStage, "", StageUpdate{Stage: stage, Status: "started"}))
}

// StageCompleted publishes a stage completion event.
func (ep *PublishHelper) StageCompleted(stage string) {
	ep.Publish(NewEvent(EventStage, "", StageUpdate{Stage: stage, Status: "completed"}))
}

// StageFailed publishes a stage failure event with the error message.
func (ep *PublishHelper) StageFailed(stage string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	ep.Publish(NewEvent(EventStage, "", StageUpdate{Stage: stage, Status: "failed", Error: errMsg}))
}

// Gate publishes a gate result event.
func (ep *PublishHelper) Gate(gate, status, reason string) {
	ep.Publish(NewEvent(EventGate, "", GateUpdate{Gate: gate, Status: status, Reason: reason}))
}

// Lane publishes a recovery lane decision.
func (ep *PublishHelper) Lane(lane, decision, signature string, attempt int) {
	ep.Publish(NewEvent(EventLane, "", LaneUpdate{
		Lane:      lane,
		Decision:  decision,
		Signature: signature,
		Attempt:   attempt,
	}))
}

// Tokens publishes a token accounting update.
func (ep *PublishHelper) Tokens(sessionID string, tokens int64, quality string) {
	ep.Publish(NewEvent(EventTokens, "", TokenUpdate{
		SessionID: sessionID,
		Tokens:    tokens,
		Quality:   quality,
	}))
}

// Warning publishes a non-fatal warning.
func (ep *PublishHelper) Warning(stage, message string) {
	ep.Publish(NewEvent(EventWarning, "", WarningData{Stage: stage, Message: message}))
}

// Error publishes an error event.
func (ep *PublishHelper) Error(stage string, err error, fatal bool) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	ep.Publish(NewEvent(EventError, "", ErrorData{Stage: stage, Message: msg, Fatal: fatal}))
}
