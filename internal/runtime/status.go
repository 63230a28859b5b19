package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/latencyprobe/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/latencyprobe/internal/runtime/logging"
)

const (
	contentTypeJSON       = "application/json"
	statusShutdownTimeout = 5 * time.Second
)

// Status is the document served at /status.
type Status struct {
	Role        string `json:"role"`
	Participant string `json:"participant,omitempty"`
	Topic       string `json:"topic"`
	Transport   string `json:"transport"`
	MatchState  string `json:"match_state"`
	Matched     int64  `json:"matched"`
	Sent        int    `json:"sent,omitempty"`
	LastIndex   uint64 `json:"last_index,omitempty"`
	Received    uint64 `json:"received,omitempty"`
	Negative    uint64 `json:"negative_latencies,omitempty"`

	Resource ResourceUsage `json:"resource"`
}

// StatusFunc returns the current status document.
type StatusFunc func() Status

// StatusServer serves /metrics and /status.
type StatusServer struct {
	log    loggingpkg.ServiceLogger
	server *http.Server
	ln     net.Listener
}

// NewStatusRouter builds the chi router behind the status server.
func NewStatusRouter(gatherer prometheus.Gatherer, status StatusFunc, log loggingpkg.ServiceLogger) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		indent := ""
		if req.URL.Query().Has("pretty") {
			indent = "  "
		}
		var buf bytes.Buffer
		if err := jsoncodec.Encode(&buf, status(), indent); err != nil {
			log.Error("Failed to encode status", err, nil)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		_, _ = w.Write(buf.Bytes())
	})
	return r
}

// StartStatusServer listens on addr and serves the status router in the background.
func StartStatusServer(addr string, handler http.Handler, log loggingpkg.ServiceLogger) (*StatusServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &StatusServer{
		log:    log,
		ln:     ln,
		server: &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second},
	}
	log.Info("Starting status server", loggingpkg.LogFields{"address": ln.Addr().String()})
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Status server stopped", err, loggingpkg.LogFields{"address": addr})
		}
	}()
	return s, nil
}

// Addr returns the bound address.
func (s *StatusServer) Addr() string { return s.ln.Addr().String() }

// Close shuts the server down.
func (s *StatusServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), statusShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}
