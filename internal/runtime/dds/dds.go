// Package dds provides the participant, topic, publisher, subscriber, writer
// and reader entities the harness runs on. Entities are created through an
// explicitly constructed ParticipantFactory and exchange samples over the
// backends chosen by the transport resolver, with discovery deciding which
// writers and readers are matched.
package dds

import (
	"errors"
	"fmt"
	"time"

	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	"github.com/drblury/latencyprobe/internal/runtime/match"
)

var (
	// ErrNoData is returned by TakeNextSample when the reader queue is empty.
	ErrNoData = errors.New("dds: no data")
	// ErrPreconditionNotMet is returned when deleting an entity that still
	// has live children.
	ErrPreconditionNotMet = errors.New("dds: precondition not met")
	// ErrAlreadyDeleted is returned when using an entity after deletion.
	ErrAlreadyDeleted = errors.New("dds: entity already deleted")
	// ErrBadParameter is returned for entities that belong to another parent.
	ErrBadParameter = errors.New("dds: bad parameter")
	// ErrSampleDropped is returned when a best-effort writer gave up on a
	// sample the backend rejected.
	ErrSampleDropped = errors.New("dds: sample dropped")
)

// MaxDomainID is the highest domain id a participant may join.
const MaxDomainID = 232

// DataTopicName returns the backend topic carrying samples of topic in domain.
func DataTopicName(domain int, topic string) string {
	return fmt.Sprintf("latencyprobe-d%d-%s", domain, topic)
}

// SampleInfo describes a taken sample.
type SampleInfo struct {
	// Valid is false for lifecycle notifications such as a disposed writer.
	Valid         bool
	Kind          string
	Writer        string
	ReceptionTime time.Time
}

// Sample couples a message with its info.
type Sample struct {
	Message envelope.Message
	Info    SampleInfo
}

// DataWriterListener receives writer notifications.
type DataWriterListener interface {
	OnPublicationMatched(w *DataWriter, status match.MatchedStatus)
}

// DataReaderListener receives reader notifications. OnDataAvailable is never
// called concurrently for the same reader.
type DataReaderListener interface {
	OnSubscriptionMatched(r *DataReader, status match.MatchedStatus)
	OnDataAvailable(r *DataReader)
}
