// Package recorder persists observed latencies as an append-only log of
// "receive_us,publish_us" lines. Both columns are microseconds since the Unix
// epoch.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrPathRequired = errors.New("recorder: log path is required")

// Record is one received sample.
type Record struct {
	ReceiveMicros int64
	PublishMicros int64
}

// Latency returns receive minus publish. It is negative when the clocks of
// the two sides disagree.
func (r Record) Latency() time.Duration {
	return time.Duration(r.ReceiveMicros-r.PublishMicros) * time.Microsecond
}

func (r Record) String() string {
	return strconv.FormatInt(r.ReceiveMicros, 10) + "," + strconv.FormatInt(r.PublishMicros, 10)
}

// Recorder appends records to a file. Every Append opens, writes, syncs and
// closes the file so a crash loses at most the record in flight.
type Recorder struct {
	path  string
	mu    sync.Mutex
	count atomic.Int64
}

// New prepares a recorder for path, creating the parent directory and the
// file when missing. Existing content is kept.
func New(path string) (*Recorder, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrPathRequired
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("recorder: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("recorder: close %s: %w", path, err)
	}
	return &Recorder{path: path}, nil
}

// Path returns the log location.
func (r *Recorder) Path() string { return r.path }

// Count returns the number of records appended by this recorder.
func (r *Recorder) Count() int64 { return r.count.Load() }

// Append durably adds rec to the log.
func (r *Recorder) Append(rec Record) error {
	line := rec.String() + "\n"

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644) //nolint:gosec // path comes from configuration
	if err != nil {
		return fmt.Errorf("recorder: open %s: %w", r.path, err)
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("recorder: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("recorder: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("recorder: close: %w", err)
	}
	r.count.Add(1)
	return nil
}

// Read parses every record in the log at path. Blank lines are skipped.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []Record
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		recv, pub, ok := strings.Cut(text, ",")
		if !ok {
			return nil, fmt.Errorf("recorder: %s:%d: missing delimiter", path, line)
		}
		r, err := strconv.ParseInt(strings.TrimSpace(recv), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("recorder: %s:%d: receive timestamp: %w", path, line, err)
		}
		p, err := strconv.ParseInt(strings.TrimSpace(pub), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("recorder: %s:%d: publish timestamp: %w", path, line, err)
		}
		out = append(out, Record{ReceiveMicros: r, PublishMicros: p})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("recorder: read %s: %w", path, err)
	}
	return out, nil
}
