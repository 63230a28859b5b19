package runtime

import (
	"fmt"
	"os"
)

// PayloadSource supplies the bytes of the next sample. An error means there
// is no data this cycle; the publish loop skips the attempt.
type PayloadSource interface {
	Load() ([]byte, error)
}

// FileSource re-reads Path on every Load so the file may change between samples.
type FileSource struct {
	Path string
}

func (s FileSource) Load() ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read payload %s: %w", s.Path, err)
	}
	return data, nil
}

// DummySource returns the same zero-filled buffer of Size bytes every time.
type DummySource struct {
	Size int
	buf  []byte
}

// NewDummySource allocates a buffer of size bytes.
func NewDummySource(size int) *DummySource {
	return &DummySource{Size: size, buf: make([]byte, size)}
}

func (s *DummySource) Load() ([]byte, error) {
	if s.Size < 0 {
		return nil, fmt.Errorf("dummy payload size %d is negative", s.Size)
	}
	if len(s.buf) != s.Size {
		s.buf = make([]byte, s.Size)
	}
	return s.buf, nil
}

// PayloadFunc adapts a function to PayloadSource.
type PayloadFunc func() ([]byte, error)

func (f PayloadFunc) Load() ([]byte, error) { return f() }
