package stream

import (
	"errors"
	"io"
	"sync"
)

// State is the multiplexer's position in its Empty -> Active -> Closed lifecycle.
type State int

const (
	StateEmpty State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Mount once the multiplexer has been closed.
var ErrClosed = errors.New("stream: multiplexer closed")

// DoneFunc is invoked on the forwarding goroutine when the mounted source is
// drained (err == nil) or fails. It may call Mount, Close or CloseWithError.
type DoneFunc func(src Source, err error)

const copyBufferSize = 32 * 1024

// Multiplexer exposes one output stream whose byte producer can be swapped.
//
// Bytes from the mounted source are forwarded through an io.Pipe in the order
// they are read, one read at a time. A newly mounted source only starts
// forwarding after the previous forwarder has exited, so sources never
// interleave. The multiplexer knows nothing about continuation policy.
type Multiplexer struct {
	pr     *io.PipeReader
	pw     *io.PipeWriter
	onDone DoneFunc

	mu       sync.Mutex
	state    State
	active   Source
	drained  bool
	switches int
	gen      int
	last     chan struct{}
}

// New creates an empty multiplexer. When onDone is nil a drained source closes
// the stream and a failed source closes it with the failure.
func New(onDone DoneFunc) *Multiplexer {
	pr, pw := io.Pipe()
	return &Multiplexer{pr: pr, pw: pw, onDone: onDone}
}

// Reader returns the consumer-facing end of the stream.
func (m *Multiplexer) Reader() io.Reader { return m.pr }

// Mount starts forwarding src. Mounting while a source is active abandons the
// remaining bytes of the previous source and counts as one switch.
func (m *Multiplexer) Mount(src Source) error {
	if src == nil {
		return errors.New("stream: nil source")
	}
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	prev, prevDrained := m.active, m.drained
	if m.state == StateActive {
		m.switches++
	}
	m.state = StateActive
	m.active = src
	m.drained = false
	m.gen++
	gen := m.gen
	after := m.last
	done := make(chan struct{})
	m.last = done
	m.mu.Unlock()

	if prev != nil && !prevDrained {
		_ = prev.Close()
	}
	go m.forward(src, gen, after, done)
	return nil
}

// Close signals end-of-stream to the consumer. Calls after the first are no-ops.
func (m *Multiplexer) Close() error { return m.terminate(nil) }

// CloseWithError ends the stream so the consumer's next read returns err.
func (m *Multiplexer) CloseWithError(err error) error { return m.terminate(err) }

// Abort is called by the consumer when it stops reading; a forwarder blocked
// on a write fails with err and its done callback observes that error.
func (m *Multiplexer) Abort(err error) {
	if err == nil {
		err = io.ErrClosedPipe
	}
	_ = m.pr.CloseWithError(err)
}

// State reports the current lifecycle state.
func (m *Multiplexer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Switches reports how many mounts happened after the first one.
func (m *Multiplexer) Switches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.switches
}

func (m *Multiplexer) terminate(err error) error {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	active, drained := m.active, m.drained
	m.drained = true
	m.mu.Unlock()

	if active != nil && !drained {
		_ = active.Close()
	}
	if err != nil {
		return m.pw.CloseWithError(err)
	}
	return m.pw.Close()
}

func (m *Multiplexer) forward(src Source, gen int, after <-chan struct{}, done chan struct{}) {
	defer close(done)
	if after != nil {
		<-after
	}
	buf := make([]byte, copyBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if !m.current(gen) {
				return
			}
			if _, werr := m.pw.Write(buf[:n]); werr != nil {
				m.finish(src, gen, werr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			m.finish(src, gen, nil)
			return
		}
		if err != nil {
			m.finish(src, gen, err)
			return
		}
	}
}

// current reports whether gen is still the mounted source of an open stream.
func (m *Multiplexer) current(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateActive && m.gen == gen
}

func (m *Multiplexer) finish(src Source, gen int, err error) {
	m.mu.Lock()
	if m.state != StateActive || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.drained = true
	m.mu.Unlock()
	_ = src.Close()

	if m.onDone != nil {
		m.onDone(src, err)
		return
	}
	if err != nil {
		_ = m.CloseWithError(err)
		return
	}
	_ = m.Close()
}
