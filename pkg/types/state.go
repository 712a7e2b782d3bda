package types

// DocumentState is the position of a document in the ingestion state machine.
type DocumentState string

const (
	StatePending   DocumentState = "pending"
	StateLoaded    DocumentState = "loaded"
	StateExtracted DocumentState = "extracted"
	StateResolved  DocumentState = "resolved"
	StateCommitted DocumentState = "committed"
	// StateSkipped is the no-op terminal state for documents whose content
	// hash matches their checkpoint.
	StateSkipped DocumentState = "skipped"
	StateFailed  DocumentState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s DocumentState) Terminal() bool {
	return s == StateCommitted || s == StateSkipped || s == StateFailed
}

var transitions = map[DocumentState][]DocumentState{
	StatePending:   {StateLoaded, StateSkipped, StateFailed},
	StateLoaded:    {StateExtracted, StateFailed},
	StateExtracted: {StateResolved, StateFailed},
	// Resolved loops back to itself when a write conflict forces a fresh
	// resolution.
	StateResolved: {StateResolved, StateCommitted, StateFailed},
}

// CanTransition reports whether s may move to next.
func (s DocumentState) CanTransition(next DocumentState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
