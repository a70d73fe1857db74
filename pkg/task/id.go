package task

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID mints a task_id with the "T-" prefix used throughout the wire
// protocol.
func NewID() string {
	return "T-" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
