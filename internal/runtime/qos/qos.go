// Package qos builds the reliability, durability, history and data-sharing
// profile of an endpoint from textual intents.
package qos

import (
	"errors"
	"fmt"
	"strings"
)

// Reliability selects whether lost samples are retried.
type Reliability string

const (
	BestEffort Reliability = "best-effort"
	Reliable   Reliability = "reliable"
)

// Durability selects whether late joiners see earlier samples.
type Durability string

const (
	Volatile       Durability = "volatile"
	TransientLocal Durability = "transient-local"
)

// History selects how many samples are kept.
type History string

const (
	KeepLast History = "keep-last"
	KeepAll  History = "keep-all"
)

// DataSharing selects whether co-located endpoints may share payload memory.
type DataSharing string

const (
	DataSharingDisabled  DataSharing = "disabled"
	DataSharingAutomatic DataSharing = "automatic"
)

// Profile is the resolved QoS of one endpoint.
type Profile struct {
	Reliability Reliability `json:"reliability"`
	Durability  Durability  `json:"durability"`
	History     History     `json:"history"`
	Depth       int         `json:"depth"`
	DataSharing DataSharing `json:"data_sharing"`
}

// Intents are the unparsed QoS choices, as read from configuration.
// Empty fields take the role default.
type Intents struct {
	Reliability string
	Durability  string
	History     string
	Depth       int
	DataSharing string
}

// DefaultWriter mirrors the substrate defaults for writers.
func DefaultWriter() Profile {
	return Profile{
		Reliability: Reliable,
		Durability:  TransientLocal,
		History:     KeepLast,
		Depth:       1,
		DataSharing: DataSharingAutomatic,
	}
}

// DefaultReader mirrors the substrate defaults for readers.
func DefaultReader() Profile {
	return Profile{
		Reliability: BestEffort,
		Durability:  Volatile,
		History:     KeepLast,
		Depth:       1,
		DataSharing: DataSharingAutomatic,
	}
}

// BuildWriter resolves writer intents over DefaultWriter.
func BuildWriter(in Intents) (Profile, error) {
	return build(DefaultWriter(), in)
}

// BuildReader resolves reader intents over DefaultReader.
func BuildReader(in Intents) (Profile, error) {
	return build(DefaultReader(), in)
}

func build(base Profile, in Intents) (Profile, error) {
	var errs []error
	p := base

	if in.Reliability != "" {
		switch r := Reliability(normalize(in.Reliability)); r {
		case BestEffort, Reliable:
			p.Reliability = r
		default:
			errs = append(errs, fmt.Errorf("qos: unknown reliability %q", in.Reliability))
		}
	}
	if in.Durability != "" {
		switch d := Durability(normalize(in.Durability)); d {
		case Volatile, TransientLocal:
			p.Durability = d
		default:
			errs = append(errs, fmt.Errorf("qos: unknown durability %q", in.Durability))
		}
	}
	if in.History != "" {
		switch h := History(normalize(in.History)); h {
		case KeepLast, KeepAll:
			p.History = h
		default:
			errs = append(errs, fmt.Errorf("qos: unknown history %q", in.History))
		}
	}
	if in.Depth != 0 {
		p.Depth = in.Depth
	}
	if in.DataSharing != "" {
		switch ds := DataSharing(normalize(in.DataSharing)); ds {
		case DataSharingDisabled, DataSharingAutomatic:
			p.DataSharing = ds
		default:
			errs = append(errs, fmt.Errorf("qos: unknown data sharing %q", in.DataSharing))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return Profile{}, err
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// normalize accepts "BEST_EFFORT", "Best Effort" and similar spellings.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("_", "-", " ", "-").Replace(s)
}

// Validate checks the profile invariants.
func (p Profile) Validate() error {
	if p.History == KeepLast && p.Depth < 1 {
		return fmt.Errorf("qos: keep-last history requires depth >= 1 (got %d)", p.Depth)
	}
	if p.Depth < 0 {
		return fmt.Errorf("qos: depth cannot be negative (got %d)", p.Depth)
	}
	return nil
}

// Bounded reports whether the history holds at most Depth samples.
func (p Profile) Bounded() bool {
	return p.History == KeepLast
}

// Compatible reports whether a writer offering offered can serve a reader
// requesting requested: the request may not be stronger than the offer in
// reliability or durability.
func Compatible(offered, requested Profile) bool {
	if requested.Reliability == Reliable && offered.Reliability != Reliable {
		return false
	}
	if requested.Durability == TransientLocal && offered.Durability != TransientLocal {
		return false
	}
	return true
}

func (p Profile) String() string {
	depth := "all"
	if p.Bounded() {
		depth = fmt.Sprint(p.Depth)
	}
	return fmt.Sprintf("%s/%s/%s:%s/sharing=%s", p.Reliability, p.Durability, p.History, depth, p.DataSharing)
}
