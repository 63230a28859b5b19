package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/latencyprobe/internal/runtime/logging/logtest"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
	"github.com/drblury/latencyprobe/transport/transporttest"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) handler() Handler {
	return func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	}
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) current() int32 {
	evs := l.all()
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].Status.CurrentCount
}

func writerInfo(id string) EndpointInfo {
	return EndpointInfo{ID: id, Role: RoleWriter, Topic: "MinimalTopic", TypeName: "Minimal", QoS: qos.DefaultWriter()}
}

func readerInfo(id string) EndpointInfo {
	return EndpointInfo{ID: id, Role: RoleReader, Topic: "MinimalTopic", TypeName: "Minimal", QoS: qos.DefaultReader()}
}

func newBus(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	bus := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NopLogger{})
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func startAgent(t *testing.T, bus *gochannel.GoChannel, id string) *Agent {
	t.Helper()
	a, err := NewAgent(Config{
		ParticipantID:    id,
		ParticipantName:  id,
		AnnounceInterval: 20 * time.Millisecond,
		LeaseDuration:    time.Second,
	}, bus, bus, nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAgentsMatchWriterAndReader(t *testing.T) {
	bus := newBus(t)
	pub := startAgent(t, bus, "p.pub")
	sub := startAgent(t, bus, "p.sub")

	var writerEvents, readerEvents eventLog
	require.NoError(t, pub.AddEndpoint(writerInfo("w1"), writerEvents.handler()))
	require.NoError(t, sub.AddEndpoint(readerInfo("r1"), readerEvents.handler()))

	require.Eventually(t, func() bool {
		return writerEvents.current() == 1 && readerEvents.current() == 1
	}, 2*time.Second, 5*time.Millisecond)

	ev := writerEvents.all()[0]
	assert.True(t, ev.Matched)
	assert.Equal(t, "r1", ev.Peer.ID)
	assert.Equal(t, "p.sub", ev.Peer.Participant)
	assert.Equal(t, int32(1), ev.Status.CurrentCountChange)
	assert.Equal(t, int32(1), ev.Status.TotalCount)
	assert.Equal(t, "r1", ev.Status.LastPeer)

	peers := pub.Matched("w1")
	require.Len(t, peers, 1)
	assert.Equal(t, RoleReader, peers[0].Role)

	// Periodic re-announcements do not produce duplicate matches.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, writerEvents.all(), 1)
	assert.Len(t, readerEvents.all(), 1)
}

func TestAgentsIgnoreIncompatibleQoS(t *testing.T) {
	bus := newBus(t)
	pub := startAgent(t, bus, "p.pub")
	sub := startAgent(t, bus, "p.sub")

	w := writerInfo("w1")
	w.QoS.Reliability = qos.BestEffort
	r := readerInfo("r1")
	r.QoS.Reliability = qos.Reliable

	var writerEvents, readerEvents eventLog
	require.NoError(t, pub.AddEndpoint(w, writerEvents.handler()))
	require.NoError(t, sub.AddEndpoint(r, readerEvents.handler()))

	require.Eventually(t, func() bool {
		return len(pub.RemoteParticipants()) == 1 && len(sub.RemoteParticipants()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Empty(t, writerEvents.all())
	assert.Empty(t, readerEvents.all())
}

func TestRemovingEndpointUnmatchesPeer(t *testing.T) {
	bus := newBus(t)
	pub := startAgent(t, bus, "p.pub")
	sub := startAgent(t, bus, "p.sub")

	var writerEvents, readerEvents eventLog
	require.NoError(t, pub.AddEndpoint(writerInfo("w1"), writerEvents.handler()))
	require.NoError(t, sub.AddEndpoint(readerInfo("r1"), readerEvents.handler()))
	require.Eventually(t, func() bool { return readerEvents.current() == 1 }, 2*time.Second, 5*time.Millisecond)

	pub.RemoveEndpoint("w1")

	require.Eventually(t, func() bool {
		evs := readerEvents.all()
		return len(evs) == 2 && !evs[1].Matched
	}, 2*time.Second, 5*time.Millisecond)
	last := readerEvents.all()[1]
	assert.Equal(t, int32(-1), last.Status.CurrentCountChange)
	assert.Equal(t, int32(0), last.Status.CurrentCount)
	assert.Equal(t, int32(1), last.Status.TotalCount)
}

func TestClosingAgentUnmatchesRemotePeers(t *testing.T) {
	bus := newBus(t)
	pub := startAgent(t, bus, "p.pub")
	sub := startAgent(t, bus, "p.sub")

	var readerEvents eventLog
	require.NoError(t, pub.AddEndpoint(writerInfo("w1"), nil))
	require.NoError(t, sub.AddEndpoint(readerInfo("r1"), readerEvents.handler()))
	require.Eventually(t, func() bool { return readerEvents.current() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, pub.Close())

	require.Eventually(t, func() bool {
		return len(readerEvents.all()) == 2 && len(sub.RemoteParticipants()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, pub.AddEndpoint(writerInfo("w2"), nil), ErrClosed)
}

func TestLocalEndpointsMatchEachOther(t *testing.T) {
	a, err := NewAgent(Config{ParticipantID: "p.local"}, &transporttest.Publisher{}, &transporttest.Subscriber{}, nil)
	require.NoError(t, err)

	var writerEvents, readerEvents eventLog
	require.NoError(t, a.AddEndpoint(writerInfo("w1"), writerEvents.handler()))
	require.NoError(t, a.AddEndpoint(readerInfo("r1"), readerEvents.handler()))

	assert.Equal(t, int32(1), writerEvents.current())
	assert.Equal(t, int32(1), readerEvents.current())

	a.RemoveEndpoint("r1")
	assert.Equal(t, int32(0), writerEvents.current())
	assert.Len(t, readerEvents.all(), 1, "removed endpoint is not notified")

	assert.Error(t, a.AddEndpoint(writerInfo("w1"), nil), "duplicate id")
}

func TestLeaseExpiry(t *testing.T) {
	log := logtest.New()
	a, err := NewAgent(Config{ParticipantID: "p.local", LeaseDuration: time.Second, AnnounceInterval: 100 * time.Millisecond},
		&transporttest.Publisher{}, &transporttest.Subscriber{}, log)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	a.now = func() time.Time { return now }

	var readerEvents eventLog
	require.NoError(t, a.AddEndpoint(readerInfo("r1"), readerEvents.handler()))

	a.handle(Announcement{
		ParticipantID: "p.remote",
		Alive:         true,
		LeaseMillis:   2000,
		Endpoints:     []EndpointInfo{writerInfo("w1")},
	})
	assert.Equal(t, int32(1), readerEvents.current())

	now = now.Add(1500 * time.Millisecond)
	a.expire()
	assert.Equal(t, int32(1), readerEvents.current(), "announced lease is honoured")

	now = now.Add(time.Second)
	a.expire()
	assert.Equal(t, int32(0), readerEvents.current())
	assert.Empty(t, a.RemoteParticipants())
	assert.Equal(t, []string{"Participant lease expired"}, log.Messages("warn"))
}

func TestChangedQoSRematches(t *testing.T) {
	a, err := NewAgent(Config{ParticipantID: "p.local"}, &transporttest.Publisher{}, &transporttest.Subscriber{}, nil)
	require.NoError(t, err)

	var readerEvents eventLog
	require.NoError(t, a.AddEndpoint(readerInfo("r1"), readerEvents.handler()))

	w := writerInfo("w1")
	a.handle(Announcement{ParticipantID: "p.remote", Alive: true, Endpoints: []EndpointInfo{w}})
	assert.Equal(t, int32(1), readerEvents.current())

	w.QoS.Durability = qos.Volatile
	a.handle(Announcement{ParticipantID: "p.remote", Alive: true, Endpoints: []EndpointInfo{w}})

	evs := readerEvents.all()
	require.Len(t, evs, 3)
	assert.False(t, evs[1].Matched)
	assert.True(t, evs[2].Matched)
	assert.Equal(t, qos.Volatile, evs[2].Peer.QoS.Durability)
	assert.Equal(t, int32(2), evs[2].Status.TotalCount)
}

func TestAnnouncementsArePublished(t *testing.T) {
	pub := &transporttest.Publisher{}
	a, err := NewAgent(Config{Domain: 3, ParticipantID: "p.local", ParticipantName: "Participant_pub"}, pub, &transporttest.Subscriber{}, nil)
	require.NoError(t, err)
	require.NoError(t, a.AddEndpoint(writerInfo("w1"), nil))

	a.announceOnce()
	msgs := pub.Messages(Topic(3))
	require.Len(t, msgs, 1)

	ann, err := decodeAnnouncement(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "p.local", ann.ParticipantID)
	assert.Equal(t, "Participant_pub", ann.ParticipantName)
	assert.Equal(t, 3, ann.Domain)
	assert.True(t, ann.Alive)
	assert.Equal(t, DefaultLeaseDuration, ann.Lease())
	require.Len(t, ann.Endpoints, 1)
	assert.Equal(t, "p.local", ann.Endpoints[0].Participant)
	assert.Equal(t, qos.DefaultWriter(), ann.Endpoints[0].QoS)
}

func TestNewAgentValidation(t *testing.T) {
	_, err := NewAgent(Config{ParticipantID: "p"}, nil, &transporttest.Subscriber{}, nil)
	assert.Error(t, err)
	_, err = NewAgent(Config{}, &transporttest.Publisher{}, &transporttest.Subscriber{}, nil)
	assert.Error(t, err)
	_, err = NewAgent(Config{ParticipantID: "p", AnnounceInterval: time.Second, LeaseDuration: time.Second},
		&transporttest.Publisher{}, &transporttest.Subscriber{}, nil)
	assert.Error(t, err)
}

func TestDecodeAnnouncementErrors(t *testing.T) {
	_, err := decodeAnnouncement([]byte("not json"))
	assert.Error(t, err)
	_, err = decodeAnnouncement([]byte(`{"alive":true}`))
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	w, r := writerInfo("w"), readerInfo("r")
	assert.True(t, Matches(w, r))
	assert.True(t, Matches(r, w))
	assert.False(t, Matches(w, w))
	assert.False(t, Matches(w, writerInfo("w2")))

	other := r
	other.Topic = "Other"
	assert.False(t, Matches(w, other))

	otherType := r
	otherType.TypeName = "Other"
	assert.False(t, Matches(w, otherType))

	durable := r
	durable.QoS.Durability = qos.TransientLocal
	assert.True(t, Matches(w, durable))
	volatileWriter := w
	volatileWriter.QoS.Durability = qos.Volatile
	assert.False(t, Matches(volatileWriter, durable))
}

func TestRoleOpposite(t *testing.T) {
	assert.Equal(t, RoleReader, RoleWriter.Opposite())
	assert.Equal(t, RoleWriter, RoleReader.Opposite())
}
