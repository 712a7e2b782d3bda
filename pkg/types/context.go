package types

type ContextKey string

const (
	ContextKeyRunID    ContextKey = "run_id"
	ContextKeySourceID ContextKey = "source_id"
	ContextKeyStage    ContextKey = "stage"
)
