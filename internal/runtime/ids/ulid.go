// Package ids generates the identifiers of participants, endpoints and
// messages. Every identifier embeds a monotonic ULID so ids created by one
// process sort in creation order.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	participantPrefix = "p."
	writerPrefix      = "w."
	readerPrefix      = "r."
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a 26-character ULID, strictly increasing within the process.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func Participant() string { return participantPrefix + CreateULID() }
func Writer() string      { return writerPrefix + CreateULID() }
func Reader() string      { return readerPrefix + CreateULID() }

// Message returns a Watermill message id.
func Message() string { return CreateULID() }
