package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Failure describes a document that ended the run in the Failed state.
type Failure struct {
	SourceID string              `json:"source_id"`
	State    types.DocumentState `json:"state"` // last state before failing
	Reason   string              `json:"reason"`
}

// Summary is the outcome of one run.
type Summary struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Committed  int              `json:"committed"`
	Skipped    int              `json:"skipped"`
	Failed     int              `json:"failed"`
	Failures   []Failure        `json:"failures,omitempty"`
	SoftErrors int              `json:"soft_errors"`
	Mutations  int              `json:"mutations"`
	Tokens     types.TokenUsage `json:"tokens"`
	Cancelled  bool             `json:"cancelled,omitempty"`
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Documents is the number of documents that reached a terminal state.
func (s *Summary) Documents() int {
	return s.Committed + s.Skipped + s.Failed
}

func (s *Summary) String() string {
	return fmt.Sprintf("run %s: committed=%d skipped=%d failed=%d soft_errors=%d mutations=%d in %s",
		s.RunID, s.Committed, s.Skipped, s.Failed, s.SoftErrors, s.Mutations, s.Duration().Round(time.Millisecond))
}

// Recorder persists run summaries for operator follow-up.
type Recorder interface {
	RecordSummary(ctx context.Context, s *Summary) error
}

// UsageSource reports token usage accumulated by model-backed extraction.
type UsageSource interface {
	Totals() types.TokenUsage
	Reset()
}
