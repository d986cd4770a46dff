package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewRunID identifies one dispatch run; ULIDs sort by start time in logs and dashboards.
func NewRunID() string {
	return "run_" + newULID()
}

func NewMessageID() string {
	return "msg_" + newULID()
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
