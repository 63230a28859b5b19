package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/latencyprobe/internal/runtime/dds"
	"github.com/drblury/latencyprobe/internal/runtime/envelope"
	errspkg "github.com/drblury/latencyprobe/internal/runtime/errors"
	loggingpkg "github.com/drblury/latencyprobe/internal/runtime/logging"
)

const tracerName = "latencyprobe-publisher"

// SampleWriter is the part of a data writer the publish loop drives.
type SampleWriter interface {
	Write(ctx context.Context, msg envelope.Message) error
}

// MatchGate reports whether at least one reader is matched.
type MatchGate interface {
	Matched() bool
}

// PublishLoopConfig bounds a publish run.
type PublishLoopConfig struct {
	Topic string
	// Samples is the number of successful sends after which Run returns.
	Samples int
	// Interval is slept after every attempt, successful or not.
	Interval time.Duration
	// MaxAttempts stops a run that cannot complete. Zero means unbounded.
	MaxAttempts int
	// Capacity is the largest payload the transport accepts.
	Capacity int
}

// PublishLoop sends timestamped, sequentially indexed samples while a reader
// is matched. Attempt and Run must not be called concurrently; Index and Sent
// may be read from any goroutine.
type PublishLoop struct {
	writer  SampleWriter
	gate    MatchGate
	source  PayloadSource
	cfg     PublishLoopConfig
	log     loggingpkg.ServiceLogger
	metrics *Metrics
	tracer  trace.Tracer

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	index    atomic.Uint64
	sent     atomic.Int64
	attempts int
}

// NewPublishLoop validates its collaborators and returns a loop at index 0.
func NewPublishLoop(w SampleWriter, gate MatchGate, source PayloadSource, cfg PublishLoopConfig, log loggingpkg.ServiceLogger, m *Metrics) (*PublishLoop, error) {
	switch {
	case w == nil:
		return nil, errspkg.ErrWriterRequired
	case gate == nil:
		return nil, errors.New("latencyprobe: match gate is required")
	case source == nil:
		return nil, errspkg.ErrPayloadSourceRequired
	case log == nil:
		return nil, errspkg.ErrLoggerRequired
	case cfg.Samples <= 0:
		return nil, errspkg.ErrSamplesRequired
	case cfg.Capacity <= 0:
		return nil, fmt.Errorf("latencyprobe: capacity must be positive (got %d)", cfg.Capacity)
	}
	return &PublishLoop{
		writer:  w,
		gate:    gate,
		source:  source,
		cfg:     cfg,
		log:     log,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		sleep:   sleepContext,
	}, nil
}

// Index returns the index of the last sample sent, zero before the first.
func (l *PublishLoop) Index() uint64 { return l.index.Load() }

// Sent returns how many samples were written successfully.
func (l *PublishLoop) Sent() int { return int(l.sent.Load()) }

// Attempt performs one publish attempt and reports whether a sample was
// written. A missing payload and an unmatched writer are not errors: nothing
// is sent this cycle. A payload above capacity and a failed write are
// returned, as is a sample a best-effort writer dropped; the index only
// advances on success.
func (l *PublishLoop) Attempt(ctx context.Context) (bool, error) {
	l.attempts++

	payload, err := l.source.Load()
	if err != nil {
		l.log.Debug("No data this cycle", loggingpkg.LogFields{"error": err.Error()})
		l.metrics.sendFailed(l.cfg.Topic, FailurePayload)
		return false, nil
	}

	if !l.gate.Matched() {
		return false, nil
	}

	if len(payload) > l.cfg.Capacity {
		l.metrics.sendFailed(l.cfg.Topic, FailureCapacity)
		return false, fmt.Errorf("%w: %d bytes > %d bytes", errspkg.ErrPayloadExceedsCapacity, len(payload), l.cfg.Capacity)
	}

	msg := envelope.Message{
		Index:     l.index.Load() + 1,
		Timestamp: envelope.Micros(l.now()),
		Payload:   payload,
	}
	if err := l.write(ctx, msg); err != nil {
		reason := FailureWrite
		if errors.Is(err, dds.ErrSampleDropped) {
			reason = FailureDropped
		}
		l.metrics.sendFailed(l.cfg.Topic, reason)
		return false, err
	}

	l.index.Store(msg.Index)
	l.sent.Add(1)
	l.metrics.sampleSent(l.cfg.Topic)
	l.log.Info(fmt.Sprintf("Sample with index: %d SENT", msg.Index), loggingpkg.LogFields{"bytes": len(payload)})
	return true, nil
}

func (l *PublishLoop) write(ctx context.Context, msg envelope.Message) error {
	ctx, span := l.tracer.Start(ctx, "WriteSample",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", l.cfg.Topic),
			attribute.Int64("sample.index", int64(msg.Index)),
			attribute.Int("sample.size", len(msg.Payload)),
		),
	)
	defer span.End()

	if err := l.writer.Write(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Run attempts until Samples sends succeed, MaxAttempts is reached or ctx
// ends, sleeping Interval after every attempt. Attempt errors are logged and
// the loop carries on.
func (l *PublishLoop) Run(ctx context.Context) error {
	for l.Sent() < l.cfg.Samples {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.cfg.MaxAttempts > 0 && l.attempts >= l.cfg.MaxAttempts {
			return fmt.Errorf("%w: %d of %d samples sent after %d attempts", errspkg.ErrAttemptsExhausted, l.Sent(), l.cfg.Samples, l.attempts)
		}

		if _, err := l.Attempt(ctx); err != nil {
			if errors.Is(err, dds.ErrSampleDropped) {
				l.log.Warn("Sample dropped, index kept for the next attempt", loggingpkg.LogFields{"index": l.Index() + 1, "error": err.Error()})
			} else {
				l.log.Error("Publish attempt failed", err, loggingpkg.LogFields{"index": l.Index() + 1})
			}
		}

		if err := l.sleep(ctx, l.cfg.Interval); err != nil && l.Sent() < l.cfg.Samples {
			return err
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
