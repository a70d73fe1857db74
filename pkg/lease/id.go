package lease

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
