// Package segment provides the cross-process shared-memory backend: an
// append-only record file, normally placed on tmpfs (/dev/shm), that every
// participant on the host maps as its bus. Subscribers tail the file from the
// end at subscribe time.
package segment

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/drblury/latencyprobe/transport"
	"github.com/drblury/latencyprobe/transport/frame"
)

// TransportName is the name used to register this transport.
const TransportName = "shm-segment"

// DefaultSegmentPath is used when the config leaves the path empty.
const DefaultSegmentPath = "/dev/shm/latencyprobe.seg"

// PollInterval is how long a subscriber waits at end of segment before
// looking again.
var PollInterval = 2 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(path string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(path, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(path string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewSubscriber(path, logger), nil
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SegmentCapabilities)
}

// Build opens the segment for appending and returns a tailing subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetSegmentPath()
	if path == "" {
		path = DefaultSegmentPath
	}

	pub, err := PublisherFactory(path, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(path, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SegmentCapabilities
}

// Publisher appends length-prefixed frames to the segment.
type Publisher struct {
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewPublisher opens (creating if needed) the segment at path.
func NewPublisher(path string, logger watermill.LoggerAdapter) (*Publisher, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	return &Publisher{file: f, logger: logger}, nil
}

// Publish writes each message as one record. A record is written with a single
// write call so concurrent appenders never interleave.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.New("segment publisher closed")
	}

	for _, msg := range messages {
		body := frame.Encode(topic, msg)
		record := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen32), uint64(len(body)))
		record = append(record, body...)
		if _, err := p.file.Write(record); err != nil {
			return fmt.Errorf("append record: %w", err)
		}
	}
	return nil
}

// Close closes the segment file.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}

// Subscriber tails the segment.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewSubscriber returns a subscriber for the segment at path.
func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	return &Subscriber{path: path, logger: logger, closing: make(chan struct{})}
}

// Subscribe delivers records for topic appended after this call. Each message
// must be acked or nacked before the next one is delivered.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", s.path, err)
	}
	start, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek segment end: %w", err)
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, start, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, pos int64, topic string, out chan<- *message.Message) {
	header := make([]byte, binary.MaxVarintLen32)
	for {
		body, next, ok := s.readRecord(f, pos, header)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-s.closing:
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		pos = next

		recordTopic, msg, err := frame.Decode(body)
		if err != nil {
			s.logger.Error("Failed to decode segment record", err, watermill.LogFields{"offset": pos})
			continue
		}
		if recordTopic != topic {
			continue
		}
		if !s.deliver(ctx, out, msg) {
			return
		}
	}
}

// readRecord returns the record at pos and the offset after it. ok is false
// when the record is not fully written yet.
func (s *Subscriber) readRecord(f *os.File, pos int64, header []byte) ([]byte, int64, bool) {
	n, err := f.ReadAt(header, pos)
	if n == 0 {
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Error("Failed to read segment", err, nil)
		}
		return nil, pos, false
	}
	size, hn := protowire.ConsumeVarint(header[:n])
	if hn < 0 {
		return nil, pos, false
	}
	body := make([]byte, size)
	read, err := f.ReadAt(body, pos+int64(hn))
	if uint64(read) < size {
		if err != nil && !errors.Is(err, io.EOF) {
			s.logger.Error("Failed to read segment", err, nil)
		}
		return nil, pos, false
	}
	return body, pos + int64(hn) + int64(size), true
}

func (s *Subscriber) deliver(ctx context.Context, out chan<- *message.Message, msg *message.Message) bool {
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
	return true
}

// Close stops all tailing goroutines.
func (s *Subscriber) Close() error {
	s.once.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
