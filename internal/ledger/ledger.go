package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Outcome mirrors how a relay ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeSegmentLimit Outcome = "segment_limit"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeError        Outcome = "error"
)

// Entry represents one finished relay written to the usage ledger.
// Sizes are in characters; the relay never sees provider token counts.
type Entry struct {
	ID              int64     `json:"id"`
	RelayID         string    `json:"relay_id"`
	UserID          string    `json:"user_id"`
	Email           string    `json:"email"`
	Model           string    `json:"model"`
	Segments        int       `json:"segments"`
	Switches        int       `json:"switches"`
	PromptChars     int64     `json:"prompt_chars"`
	CompletionChars int64     `json:"completion_chars"`
	Outcome         Outcome   `json:"outcome"`
	DurationMS      int64     `json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the fields every store requires.
func (e Entry) Validate() error {
	if e.UserID == "" {
		return errors.New("ledger record requires user id")
	}
	switch e.Outcome {
	case OutcomeCompleted, OutcomeSegmentLimit, OutcomeCanceled, OutcomeError:
		return nil
	default:
		return fmt.Errorf("invalid outcome %q", e.Outcome)
	}
}

// Summary aggregates relay usage for a user.
type Summary struct {
	Relays           int64 `json:"relays"`
	Segments         int64 `json:"segments"`
	PromptChars      int64 `json:"prompt_chars"`
	CompletionChars  int64 `json:"completion_chars"`
	SegmentLimitHits int64 `json:"segment_limit_hits"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, userID string) (Summary, error)
	ListRecent(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}

// BatchRecorder is implemented by stores that can write several entries in
// one transaction. Either every entry is stored or none is.
type BatchRecorder interface {
	RecordBatch(ctx context.Context, entries []Entry) error
}
