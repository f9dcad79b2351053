package adapter

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/tokligence/segment-relay/internal/stream"
)

// Event is one parsed server-sent event.
type Event struct {
	Name string
	Data string
}

// Decoded is what a provider decoder extracts from one event.
type Decoded struct {
	Text   string
	Finish string // provider specific reason, empty while streaming
	Done   bool   // no further events are expected
}

// EventDecoder converts a provider's SSE event into relayed text.
type EventDecoder func(ev Event) (Decoded, error)

// FinishMapper maps a provider finish reason onto the relay's classification.
type FinishMapper func(reason string) stream.FinishReason

// SSESource is a stream.Source reading text deltas from an SSE response body.
// Reads pull events lazily so an abandoned source never reads ahead.
type SSESource struct {
	body      io.ReadCloser
	reader    *bufio.Reader
	decode    EventDecoder
	mapFinish FinishMapper

	pending []byte
	done    bool

	mu     sync.Mutex
	text   strings.Builder
	finish string
	closed bool
}

// NewSSESource wraps body; the source owns and closes it.
func NewSSESource(body io.ReadCloser, decode EventDecoder, mapFinish FinishMapper) *SSESource {
	return &SSESource{
		body:      body,
		reader:    bufio.NewReader(body),
		decode:    decode,
		mapFinish: mapFinish,
	}
}

func (s *SSESource) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		if s.done {
			return 0, io.EOF
		}
		ev, err := s.nextEvent()
		if errors.Is(err, io.EOF) {
			s.done = true
			if ev.Data == "" {
				return 0, io.EOF
			}
		} else if err != nil {
			return 0, err
		}
		if ev.Data == "" {
			continue
		}
		d, err := s.decode(ev)
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
		if d.Finish != "" {
			s.finish = d.Finish
		}
		s.text.WriteString(d.Text)
		s.mu.Unlock()
		s.pending = append(s.pending, d.Text...)
		if d.Done {
			s.done = true
		}
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *SSESource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}

func (s *SSESource) Result() stream.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := stream.FinishUnknown
	if s.mapFinish != nil {
		reason = s.mapFinish(s.finish)
	}
	return stream.Result{Text: s.text.String(), FinishReason: reason}
}

// nextEvent reads lines up to the blank line terminating one event.
func (s *SSESource) nextEvent() (Event, error) {
	var ev Event
	var data []string
	for {
		line, err := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		if line == "" && err == nil {
			if len(data) > 0 || ev.Name != "" {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
		if err != nil {
			ev.Data = strings.Join(data, "\n")
			return ev, err
		}
	}
}

// UpstreamError reads a non-200 upstream response into a ProviderError.
func UpstreamError(provider string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(body))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &ProviderError{
		Provider: provider,
		Kind:     ClassifyStatus(resp.StatusCode),
		Status:   resp.StatusCode,
		Message:  msg,
	}
}
