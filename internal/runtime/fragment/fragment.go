// Package fragment splits encoded samples that exceed the transport's message
// size into ordered fragments and reassembles them on the receiving side.
package fragment

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/drblury/latencyprobe/internal/runtime/envelope"
)

// DefaultTimeout bounds how long an incomplete sample is kept.
const DefaultTimeout = 5 * time.Second

var ErrInvalidFragment = errors.New("fragment: invalid fragment")

// Fragment is one slice of a sample.
type Fragment struct {
	SampleID string
	Index    int
	Count    int
	Data     []byte
}

// Split cuts data into fragments of at most size bytes. A non-positive size or
// data that already fits yields a single fragment. Fragment data aliases data.
func Split(sampleID string, data []byte, size int) []Fragment {
	if size <= 0 || len(data) <= size {
		return []Fragment{{SampleID: sampleID, Index: 0, Count: 1, Data: data}}
	}
	count := (len(data) + size - 1) / size
	out := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*size, len(data))
		out = append(out, Fragment{SampleID: sampleID, Index: i, Count: count, Data: data[i*size : end]})
	}
	return out
}

// Annotate writes the fragment bookkeeping into md.
func (f Fragment) Annotate(md map[string]string) {
	md[envelope.MetadataKeyFragmentID] = f.SampleID
	md[envelope.MetadataKeyFragmentIndex] = strconv.Itoa(f.Index)
	md[envelope.MetadataKeyFragmentCount] = strconv.Itoa(f.Count)
}

// FromMetadata rebuilds a fragment from transport metadata. ok is false when
// the message carries no fragment bookkeeping.
func FromMetadata(md map[string]string, data []byte) (f Fragment, ok bool, err error) {
	id, present := md[envelope.MetadataKeyFragmentID]
	if !present {
		return Fragment{}, false, nil
	}
	idx, err := strconv.Atoi(md[envelope.MetadataKeyFragmentIndex])
	if err != nil {
		return Fragment{}, true, fmt.Errorf("%w: index: %v", ErrInvalidFragment, err)
	}
	count, err := strconv.Atoi(md[envelope.MetadataKeyFragmentCount])
	if err != nil {
		return Fragment{}, true, fmt.Errorf("%w: count: %v", ErrInvalidFragment, err)
	}
	f = Fragment{SampleID: id, Index: idx, Count: count, Data: data}
	return f, true, f.validate()
}

func (f Fragment) validate() error {
	if f.SampleID == "" {
		return fmt.Errorf("%w: empty sample id", ErrInvalidFragment)
	}
	if f.Count < 1 || f.Index < 0 || f.Index >= f.Count {
		return fmt.Errorf("%w: index %d of %d", ErrInvalidFragment, f.Index, f.Count)
	}
	return nil
}

type partial struct {
	parts    [][]byte
	received int
	size     int
	started  time.Time
}

// Reassembler collects fragments per sample id. It is safe for concurrent use.
type Reassembler struct {
	mu        sync.Mutex
	timeout   time.Duration
	now       func() time.Time
	pending   map[string]*partial
	completed map[string]time.Time
}

// NewReassembler returns a Reassembler expiring incomplete samples after
// timeout (DefaultTimeout when zero).
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler{
		timeout:   timeout,
		now:       time.Now,
		pending:   make(map[string]*partial),
		completed: make(map[string]time.Time),
	}
}

// Add records f. When f completes its sample the joined data is returned with
// complete set. Duplicates of fragments or of completed samples are ignored.
func (r *Reassembler) Add(f Fragment) (data []byte, complete bool, err error) {
	if err := f.validate(); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expire(now)

	if _, done := r.completed[f.SampleID]; done {
		return nil, false, nil
	}
	if f.Count == 1 {
		r.completed[f.SampleID] = now
		return f.Data, true, nil
	}

	p, ok := r.pending[f.SampleID]
	if !ok {
		p = &partial{parts: make([][]byte, f.Count), started: now}
		r.pending[f.SampleID] = p
	}
	if len(p.parts) != f.Count {
		return nil, false, fmt.Errorf("%w: sample %s count changed from %d to %d", ErrInvalidFragment, f.SampleID, len(p.parts), f.Count)
	}
	if p.parts[f.Index] != nil {
		return nil, false, nil
	}
	p.parts[f.Index] = append([]byte(nil), f.Data...)
	p.received++
	p.size += len(f.Data)
	if p.received < f.Count {
		return nil, false, nil
	}

	out := make([]byte, 0, p.size)
	for _, part := range p.parts {
		out = append(out, part...)
	}
	delete(r.pending, f.SampleID)
	r.completed[f.SampleID] = now
	return out, true, nil
}

// Pending returns the number of incomplete samples.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(r.now())
	return len(r.pending)
}

func (r *Reassembler) expire(now time.Time) {
	for id, p := range r.pending {
		if now.Sub(p.started) > r.timeout {
			delete(r.pending, id)
		}
	}
	for id, at := range r.completed {
		if now.Sub(at) > r.timeout {
			delete(r.completed, id)
		}
	}
}
