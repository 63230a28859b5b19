package runtime

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/latencyprobe/internal/runtime/dds"
	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	errspkg "github.com/drblury/latencyprobe/internal/runtime/errors"
	loggingpkg "github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/recorder"
)

// Counters are shared between the consume listener and whoever waits on or
// reports the run. The listener only increments them.
type Counters struct {
	received atomic.Uint64
	negative atomic.Uint64
	invalid  atomic.Uint64
}

func (c *Counters) Received() uint64 { return c.received.Load() }
func (c *Counters) Negative() uint64 { return c.negative.Load() }
func (c *Counters) Invalid() uint64  { return c.invalid.Load() }

// LatencyAppender persists one latency record.
type LatencyAppender interface {
	Append(rec recorder.Record) error
}

// ConsumeListener turns valid samples into latency records. It keeps no
// reference to the endpoint it is attached to.
type ConsumeListener struct {
	counters *Counters
	rec      LatencyAppender
	target   uint64
	topic    string
	log      loggingpkg.ServiceLogger
	metrics  *Metrics
	now      func() time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewConsumeListener returns a listener whose Done channel closes once target
// valid samples were received.
func NewConsumeListener(counters *Counters, rec LatencyAppender, target int, topic string, log loggingpkg.ServiceLogger, m *Metrics) (*ConsumeListener, error) {
	switch {
	case counters == nil:
		return nil, errors.New("latencyprobe: counters are required")
	case rec == nil:
		return nil, errspkg.ErrRecorderRequired
	case log == nil:
		return nil, errspkg.ErrLoggerRequired
	case target <= 0:
		return nil, errspkg.ErrSamplesRequired
	}
	log.Info("Latency is measured against the local clock; publisher and subscriber clocks must be shared or synchronised", nil)
	return &ConsumeListener{
		counters: counters,
		rec:      rec,
		target:   uint64(target),
		topic:    topic,
		log:      log,
		metrics:  m,
		now:      time.Now,
		done:     make(chan struct{}),
	}, nil
}

// Done closes when the target number of valid samples has been received.
func (l *ConsumeListener) Done() <-chan struct{} { return l.done }

// OnDataAvailable takes every queued sample from r.
func (l *ConsumeListener) OnDataAvailable(r SampleTaker) {
	for {
		msg, info, err := r.TakeNextSample()
		if errors.Is(err, dds.ErrNoData) {
			return
		}
		if err != nil {
			l.log.Error("Failed to take sample", err, nil)
			return
		}
		l.Consume(msg, info)
	}
}

// Consume handles one taken sample. Invalid samples are discarded.
func (l *ConsumeListener) Consume(msg envelope.Message, info dds.SampleInfo) {
	if !info.Valid {
		l.counters.invalid.Add(1)
		l.log.Debug("Discarding invalid sample", loggingpkg.LogFields{"kind": info.Kind, "writer": info.Writer})
		return
	}

	rec := recorder.Record{ReceiveMicros: envelope.Micros(l.now()), PublishMicros: msg.Timestamp}
	if err := l.rec.Append(rec); err != nil {
		l.log.Error("Failed to append latency record", err, loggingpkg.LogFields{"index": msg.Index})
	}

	received := l.counters.received.Add(1)
	latency := rec.Latency()
	if latency < 0 {
		l.counters.negative.Add(1)
		l.log.Warn("Negative latency recorded", loggingpkg.LogFields{"index": msg.Index, "latency": latency.String()})
	}
	l.metrics.sampleReceived(l.topic, latency)
	l.log.Info(fmt.Sprintf("Sample with index: %d RECEIVED", msg.Index), loggingpkg.LogFields{"latency": latency.String()})

	if received >= l.target {
		l.doneOnce.Do(func() { close(l.done) })
	}
}
