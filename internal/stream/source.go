package stream

import (
	"io"
	"strings"
	"sync"
)

// FinishReason classifies why a source stopped producing bytes.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishOther   FinishReason = "other"
	FinishUnknown FinishReason = ""
)

// Continuable reports whether the reason indicates a token budget cutoff.
func (r FinishReason) Continuable() bool { return r == FinishLength }

// Result is what a source reports once it has been fully drained.
type Result struct {
	Text         string
	FinishReason FinishReason
}

// Source is one upstream completion call. Read yields the relayed bytes and
// returns io.EOF once the upstream finished; Result is only meaningful after that.
type Source interface {
	io.ReadCloser
	Result() Result
}

// StaticSource replays fixed chunks; one Read returns at most one chunk.
// It backs the loopback adapter and test doubles.
type StaticSource struct {
	mu     sync.Mutex
	chunks []string
	next   int
	reason FinishReason
	text   strings.Builder
	closed bool
}

// NewStaticSource builds a source that emits chunks in order, then finishes with reason.
func NewStaticSource(reason FinishReason, chunks ...string) *StaticSource {
	return &StaticSource{chunks: append([]string(nil), chunks...), reason: reason}
}

func (s *StaticSource) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for s.next < len(s.chunks) && s.chunks[s.next] == "" {
		s.next++
	}
	if s.next >= len(s.chunks) {
		return 0, io.EOF
	}
	chunk := s.chunks[s.next]
	n := copy(p, chunk)
	s.text.WriteString(chunk[:n])
	if n < len(chunk) {
		s.chunks[s.next] = chunk[n:]
	} else {
		s.next++
	}
	return n, nil
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Result{Text: s.text.String(), FinishReason: s.reason}
}
