package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// GlobalTaskID is the special task key for subscribing to all events.
// Subscribers to this key receive events for every task plus daemon-wide
// events that carry no task.
const GlobalTaskID = "*"

// Publisher defines the interface for event publishing.
type Publisher interface {
	// Publish sends an event to all subscribers of the event's task.
	Publish(event Event)
	// Subscribe returns a channel that receives events for the given task.
	// Use GlobalTaskID ("*") to receive events for all tasks.
	Subscribe(task string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(task string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory implementation of Publisher.
// Publishing never blocks: subscribers with full buffers miss the event and
// the drop counter is bumped instead.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
	dropped     atomic.Uint64
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the channel buffer size for subscribers.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates a new in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to subscribers of the event's task and to global
// subscribers. Non-blocking.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	p.send(p.subscribers[event.Task], event)
	if event.Task != GlobalTaskID {
		p.send(p.subscribers[GlobalTaskID], event)
	}
}

func (p *MemoryPublisher) send(subs []chan Event, event Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			p.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives events for the given task.
func (p *MemoryPublisher) Subscribe(task string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[task] = append(p.subscribers[task], ch)
	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (p *MemoryPublisher) Unsubscribe(task string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[task]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[task] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(p.subscribers[task]) == 0 {
		delete(p.subscribers, task)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for task, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, task)
	}
}

// SubscriberCount returns the number of subscribers for a task.
func (p *MemoryPublisher) SubscriberCount(task string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[task])
}

// Dropped returns how many events were skipped due to full buffers.
func (p *MemoryPublisher) Dropped() uint64 {
	return p.dropped.Load()
}

// NopPublisher is a no-op publisher for tests or when events are disabled.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish does nothing.
func (p *NopPublisher) Publish(event Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(task string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(task string, ch <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}

// LogPublisher mirrors selected events into slog before fanning out to an
// inner publisher. The daemon wires it in verbose mode so stage transitions
// and lane decisions land in the process log.
type LogPublisher struct {
	inner  Publisher
	logger *slog.Logger
}

// NewLogPublisher wraps inner so that noteworthy events are also logged.
// A nil logger uses slog.Default().
func NewLogPublisher(inner Publisher, logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{inner: inner, logger: logger}
}

// Publish logs the event, then forwards it.
func (p *LogPublisher) Publish(event Event) {
	switch event.Type {
	case EventStage:
		if u, ok := event.Data.(StageUpdate); ok {
			p.logger.Info("stage", "task", event.Task, "stage", u.Stage, "status", u.Status)
		}
	case EventLane:
		if u, ok := event.Data.(LaneUpdate); ok {
			p.logger.Info("lane decision", "task", event.Task, "lane", u.Lane, "decision", u.Decision)
		}
	case EventError:
		if u, ok := event.Data.(ErrorData); ok {
			p.logger.Error("worker error", "task", event.Task, "stage", u.Stage, "error", u.Message)
		}
	case EventWarning:
		if u, ok := event.Data.(WarningData); ok {
			p.logger.Warn("worker warning", "task", event.Task, "stage", u.Stage, "warning", u.Message)
		}
	}
	if p.inner != nil {
		p.inner.Publish(event)
	}
}

// Subscribe delegates to the inner publisher or returns a closed channel.
func (p *LogPublisher) Subscribe(task string) <-chan Event {
	if p.inner != nil {
		return p.inner.Subscribe(task)
	}
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe delegates to the inner publisher.
func (p *LogPublisher) Unsubscribe(task string, ch <-chan Event) {
	if p.inner != nil {
		p.inner.Unsubscribe(task, ch)
	}
}

// Close delegates to the inner publisher.
func (p *LogPublisher) Close() {
	if p.inner != nil {
		p.inner.Close()
	}
}
