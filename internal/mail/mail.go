package mail

import "context"

type Message struct {
	To         string
	Subject    string
	HTML       string
	Text       string
	CampaignID string
}

// Result is the outcome of a single send. A zero Err means the provider accepted the message.
type Result struct {
	MessageID string
	// Reason is a short machine-readable failure class, e.g. "throttled" or "circuit_open".
	Reason string
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

func Sent(messageID string) Result { return Result{MessageID: messageID} }

func Failed(reason string, err error) Result { return Result{Reason: reason, Err: err} }

// Transport never returns a Go error for a rejected recipient; the failure lives in the Result.
type Transport interface {
	Send(ctx context.Context, msg Message) Result
}
