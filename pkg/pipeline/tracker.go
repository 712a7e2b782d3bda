package pipeline

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// DocumentStatus is the current position of one document in a run.
type DocumentStatus struct {
	SourceID  string              `json:"source_id"`
	State     types.DocumentState `json:"state"`
	Attempts  int                 `json:"attempts,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Tracker records per-document state transitions for a run. It is safe for
// concurrent use.
type Tracker struct {
	mu   sync.RWMutex
	docs map[string]*DocumentStatus
	// history holds every state each document passed through, in order.
	history map[string][]types.DocumentState
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		docs:    map[string]*DocumentStatus{},
		history: map[string][]types.DocumentState{},
	}
}

// Begin registers sourceID as Pending. A document seen twice in one run
// keeps its first registration.
func (t *Tracker) Begin(sourceID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.docs[sourceID]; ok {
		return false
	}
	t.docs[sourceID] = &DocumentStatus{SourceID: sourceID, State: types.StatePending, UpdatedAt: time.Now()}
	t.history[sourceID] = []types.DocumentState{types.StatePending}
	return true
}

// Transition moves sourceID to next, rejecting moves the state machine
// does not allow.
func (t *Tracker) Transition(sourceID string, next types.DocumentState) error {
	return t.transition(sourceID, next, "")
}

// Fail moves sourceID to Failed with reason.
func (t *Tracker) Fail(sourceID, reason string) error {
	return t.transition(sourceID, types.StateFailed, reason)
}

func (t *Tracker) transition(sourceID string, next types.DocumentState, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.docs[sourceID]
	if !ok {
		return fmt.Errorf("unknown document %s", sourceID)
	}
	if !st.State.CanTransition(next) {
		return fmt.Errorf("document %s: invalid transition %s -> %s", sourceID, st.State, next)
	}
	if next == types.StateResolved {
		st.Attempts++
	}
	st.State = next
	st.Reason = reason
	st.UpdatedAt = time.Now()
	t.history[sourceID] = append(t.history[sourceID], next)
	return nil
}

// Status returns a copy of the document's status.
func (t *Tracker) Status(sourceID string) (DocumentStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.docs[sourceID]
	if !ok {
		return DocumentStatus{}, false
	}
	return *st, true
}

// History returns the states sourceID passed through.
func (t *Tracker) History(sourceID string) []types.DocumentState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.history[sourceID])
}

// Snapshot returns all statuses sorted by source id.
func (t *Tracker) Snapshot() []DocumentStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]DocumentStatus, 0, len(t.docs))
	for _, st := range t.docs {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b DocumentStatus) int { return strings.Compare(a.SourceID, b.SourceID) })
	return out
}

// Counts returns the number of documents per state.
func (t *Tracker) Counts() map[types.DocumentState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[types.DocumentState]int{}
	for _, st := range t.docs {
		out[st.State]++
	}
	return out
}
