package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/latencyprobe/internal/runtime/config"
	errspkg "github.com/drblury/latencyprobe/internal/runtime/errors"
	"github.com/drblury/latencyprobe/internal/runtime/jsoncodec"
	"github.com/drblury/latencyprobe/internal/runtime/logging"
	"github.com/drblury/latencyprobe/internal/runtime/logging/logtest"
	"github.com/drblury/latencyprobe/internal/runtime/qos"
	"github.com/drblury/latencyprobe/internal/runtime/recorder"
	"github.com/drblury/latencyprobe/internal/runtime/stats"
)

func shmConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	cfg := configpkg.Default()
	cfg.Transport.Kind = "shm"
	cfg.Transport.Capacity = 8192
	cfg.Discovery.AnnouncePeriod = 20 * time.Millisecond
	cfg.Discovery.LeaseDuration = time.Second
	cfg.Publish.Interval = 10 * time.Millisecond
	cfg.Publish.PayloadSize = 256
	cfg.Subscribe.LatencyLog = filepath.Join(t.TempDir(), "latency.csv")
	return &cfg
}

func TestNewService_Validation(t *testing.T) {
	log := logging.NewNopLogger()

	_, err := NewService(nil, log, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(shmConfig(t), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	cfg := shmConfig(t)
	cfg.Transport.Kind = "carrier-pigeon"
	_, err = NewService(cfg, log, ServiceDependencies{})
	var cfgErr errspkg.ConfigValidationError
	assert.True(t, errors.As(err, &cfgErr))

	cfg = shmConfig(t)
	cfg.Transport.Capacity = 0
	_, err = NewService(cfg, log, ServiceDependencies{})
	assert.True(t, errors.As(err, &cfgErr), "shm without capacity is a configuration error")

	cfg = shmConfig(t)
	cfg.Writer.Reliability = "sometimes"
	svc, err := NewService(cfg, log, ServiceDependencies{})
	require.NoError(t, err)
	defer svc.Close()
	err = svc.RunPublisher(context.Background(), 1)
	assert.True(t, errors.As(err, &cfgErr), "bad QoS intent is a configuration error")
	assert.ErrorIs(t, svc.RunPublisher(context.Background(), 0), errspkg.ErrSamplesRequired)
}

// The subscriber is matched before the publisher sends: exactly N samples
// with indices 1..N arrive and the log holds N rows.
func TestService_PublishSubscribeRoundTrip(t *testing.T) {
	const n = 10
	cfg := shmConfig(t)
	log := logtest.New()
	svc, err := NewService(cfg, log, ServiceDependencies{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	type result struct {
		summary stats.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := svc.RunSubscriber(ctx, n)
		done <- result{summary: summary, err: err}
	}()
	require.Eventually(t, func() bool {
		return svc.snapshot().Role == roleSubscriber
	}, 5*time.Second, 5*time.Millisecond, "subscriber endpoint up before publishing")

	require.NoError(t, svc.RunPublisher(ctx, n))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, n, res.summary.Count)

	records, err := recorder.Read(cfg.Subscribe.LatencyLog)
	require.NoError(t, err)
	assert.Len(t, records, n)

	var sent, received []string
	for _, msg := range log.Messages("info") {
		switch {
		case strings.HasSuffix(msg, " SENT"):
			sent = append(sent, msg)
		case strings.HasSuffix(msg, " RECEIVED"):
			received = append(received, msg)
		}
	}
	require.Len(t, sent, n)
	assert.Equal(t, "Sample with index: 1 SENT", sent[0])
	assert.Equal(t, "Sample with index: 10 SENT", sent[n-1])
	assert.Len(t, received, n)
	assert.Contains(t, log.Messages("info"), "Publisher matched.")
	assert.Contains(t, log.Messages("info"), "Subscriber matched.")

	require.NoError(t, svc.Close())
}

func TestService_PublisherAloneStaysUnmatched(t *testing.T) {
	cfg := shmConfig(t)
	cfg.Publish.MaxAttempts = 5
	svc, err := NewService(cfg, logging.NewNopLogger(), ServiceDependencies{})
	require.NoError(t, err)
	defer svc.Close()

	log := logtest.New()
	svc.Logger = log
	err = svc.RunPublisher(context.Background(), 3)
	assert.ErrorIs(t, err, errspkg.ErrAttemptsExhausted)
	for _, msg := range log.Messages("info") {
		assert.NotContains(t, msg, "SENT")
		assert.NotEqual(t, "Publisher matched.", msg)
	}
}

func TestService_DefaultParticipantNames(t *testing.T) {
	svc, err := NewService(shmConfig(t), logging.NewNopLogger(), ServiceDependencies{})
	require.NoError(t, err)
	defer svc.Close()

	assert.Equal(t, "Participant_pub", svc.endpointOptions(defaultPublisherName, qos.DefaultWriter()).ParticipantName)
	assert.Equal(t, "Participant_subscriber", svc.endpointOptions(defaultSubscriberName, qos.DefaultReader()).ParticipantName)

	svc.Conf.ParticipantName = "bench-node"
	assert.Equal(t, "bench-node", svc.endpointOptions(defaultSubscriberName, qos.DefaultReader()).ParticipantName)
}

func TestService_SubscriberCancelled(t *testing.T) {
	svc, err := NewService(shmConfig(t), logging.NewNopLogger(), ServiceDependencies{})
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	summary, err := svc.RunSubscriber(ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, summary.Count)
}

func TestService_StatusServer(t *testing.T) {
	svc, err := NewService(shmConfig(t), logging.NewNopLogger(), ServiceDependencies{})
	require.NoError(t, err)
	defer svc.Close()

	server, err := StartStatusServer("127.0.0.1:0", NewStatusRouter(svc.Metrics().Registry(), svc.snapshot, logging.NewNopLogger()), logging.NewNopLogger())
	require.NoError(t, err)
	defer server.Close()

	resp, err := http.Get("http://" + server.Addr() + "/status")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentTypeJSON, resp.Header.Get("Content-Type"))

	var status Status
	require.NoError(t, jsoncodec.Unmarshal(body, &status))
	assert.Equal(t, "idle", status.MatchState)
	assert.Equal(t, "MinimalTopic", status.Topic)

	resp, err = http.Get("http://" + server.Addr() + "/metrics")
	require.NoError(t, err)
	body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestService_StatusEnabledRequiresPort(t *testing.T) {
	cfg := shmConfig(t)
	cfg.Status.Enabled = true
	cfg.Status.Port = 0
	_, err := NewService(cfg, logging.NewNopLogger(), ServiceDependencies{})
	var cfgErr errspkg.ConfigValidationError
	assert.True(t, errors.As(err, &cfgErr))
}
