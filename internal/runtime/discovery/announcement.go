package discovery

import (
	"fmt"
	"time"

	"github.com/drblury/latencyprobe/internal/runtime/jsoncodec"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
)

// Role tells writers and readers apart.
type Role string

const (
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// Opposite returns the role an endpoint matches with.
func (r Role) Opposite() Role {
	if r == RoleWriter {
		return RoleReader
	}
	return RoleWriter
}

// EndpointInfo describes one writer or reader.
type EndpointInfo struct {
	ID          string      `json:"id"`
	Participant string      `json:"participant"`
	Role        Role        `json:"role"`
	Topic       string      `json:"topic"`
	TypeName    string      `json:"type_name"`
	QoS         qos.Profile `json:"qos"`
}

// Announcement is the periodic liveliness message of a participant listing
// every endpoint it currently owns.
type Announcement struct {
	ParticipantID   string         `json:"participant_id"`
	ParticipantName string         `json:"participant_name"`
	Domain          int            `json:"domain"`
	Alive           bool           `json:"alive"`
	LeaseMillis     int64          `json:"lease_ms"`
	SentAt          int64          `json:"sent_at_us"`
	Endpoints       []EndpointInfo `json:"endpoints"`
}

// Lease returns the announced lease duration.
func (a Announcement) Lease() time.Duration {
	return time.Duration(a.LeaseMillis) * time.Millisecond
}

func encodeAnnouncement(a Announcement) ([]byte, error) {
	return jsoncodec.MarshalWire(a)
}

func decodeAnnouncement(b []byte) (Announcement, error) {
	var a Announcement
	if err := jsoncodec.UnmarshalWire(b, &a); err != nil {
		return Announcement{}, fmt.Errorf("decode announcement: %w", err)
	}
	if a.ParticipantID == "" {
		return Announcement{}, fmt.Errorf("decode announcement: missing participant id")
	}
	return a, nil
}

// Matches reports whether a and b may exchange data: opposite roles, the same
// topic and type, and a reader request no stronger than the writer offer.
func Matches(a, b EndpointInfo) bool {
	if a.ID == b.ID || a.Role == b.Role {
		return false
	}
	if a.Topic != b.Topic || a.TypeName != b.TypeName {
		return false
	}
	writer, reader := a, b
	if a.Role == RoleReader {
		writer, reader = b, a
	}
	return qos.Compatible(writer.QoS, reader.QoS)
}
