package session

import (
	"context"
	"fmt"
)

// Nudge is one queued message for a session.
type Nudge struct {
	ID             int64
	Message        string
	FailedAttempts int
}

// NudgeSource is the persisted FIFO queue behind nudge delivery. Peek
// returns the head without removing it; Pop removes a delivered item; Fail
// bumps the head's attempt count and returns the new count.
type NudgeSource interface {
	Peek(ctx context.Context, sessionID string) (*Nudge, bool, error)
	Pop(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64) (int, error)
}

// DrainNudges delivers queued nudges for a session strictly in order. A
// failed delivery bumps the head's attempt count and stops the drain: the
// head blocks the line until it delivers or a human clears it. Once the
// head has failed maxAttempts times the drain refuses to retry it at all.
// Returns the number of nudges delivered.
func DrainNudges(ctx context.Context, src NudgeSource, sessionID string, maxAttempts int, deliver func(context.Context, string) error) (int, error) {
	delivered := 0
	for {
		head, ok, err := src.Peek(ctx, sessionID)
		if err != nil {
			return delivered, fmt.Errorf("peek nudge queue: %w", err)
		}
		if !ok {
			return delivered, nil
		}
		if maxAttempts > 0 && head.FailedAttempts >= maxAttempts {
			return delivered, fmt.Errorf("nudge %d blocked after %d failed attempts", head.ID, head.FailedAttempts)
		}

		if err := deliver(ctx, head.Message); err != nil {
			if _, bumpErr := src.Fail(ctx, head.ID); bumpErr != nil {
				return delivered, fmt.Errorf("record nudge failure: %w", bumpErr)
			}
			return delivered, fmt.Errorf("deliver nudge %d: %w", head.ID, err)
		}
		if err := src.Pop(ctx, head.ID); err != nil {
			return delivered, fmt.Errorf("pop delivered nudge: %w", err)
		}
		delivered++
	}
}
