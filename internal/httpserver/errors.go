package httpserver

const (
	ErrInvalidJSON   = "invalid json"
	ErrMissingID     = "missing campaignId"
	ErrNotFound      = "campaign not found"
	ErrLocked        = "campaign already has an active run"
	ErrTransition    = "campaign cannot start a new run"
	ErrAsyncDisabled = "async runs are not configured"
)
