// Package relay drives one chat response across as many upstream completions
// as the token budget forces, presenting them as a single byte stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tokligence/segment-relay/internal/adapter"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/stream"
	"github.com/tokligence/segment-relay/internal/tracing"
)

// ContinuePrompt is sent as a user turn after a segment was cut off by the token budget.
const ContinuePrompt = `Continue your prior response. IMPORTANT: Immediately begin from where you left off without any interruptions.
Do not repeat any content, including artifact and action tags.`

const (
	DefaultMaxSegments = 2
	DefaultMaxTokens   = 8192
)

// ErrSegmentLimitExceeded terminates a relay whose last permitted segment was
// still cut off by the token budget.
var ErrSegmentLimitExceeded = errors.New("relay: segment limit exceeded")

// Outcome labels how a relay ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeSegmentLimit Outcome = "segment_limit"
	OutcomeCanceled     Outcome = "canceled"
	OutcomeError        Outcome = "error"
)

// Config bounds continuation.
type Config struct {
	MaxSegments int // continuations allowed after the first segment
	MaxTokens   int // per-segment budget passed upstream
	Logger      *log.Logger
}

// Controller starts relays against one model client.
type Controller struct {
	client      adapter.StreamingAdapter
	maxSegments int
	maxTokens   int
	logger      *log.Logger
}

// New creates a Controller. A negative MaxSegments disables continuation.
func New(client adapter.StreamingAdapter, cfg Config) *Controller {
	maxSegments := cfg.MaxSegments
	if maxSegments < 0 {
		maxSegments = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		client:      client,
		maxSegments: maxSegments,
		maxTokens:   cfg.MaxTokens,
		logger:      logger,
	}
}

// Request is one chat turn to relay.
type Request struct {
	Model    string
	Messages []openai.ChatMessage
	Keys     adapter.Keys
}

// Run requests the first segment and returns a relay already streaming it.
// Errors opening the first segment are returned directly so the caller can
// still choose a status code.
func (c *Controller) Run(ctx context.Context, req Request) (*Relay, error) {
	if c.client == nil {
		return nil, errors.New("relay: no model client configured")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("relay: no messages provided")
	}

	ctx, span := tracing.StartSpan(ctx, "relay.run")
	r := &Relay{
		id:          uuid.NewString(),
		ctrl:        c,
		ctx:         ctx,
		span:        span,
		model:       req.Model,
		keys:        req.Keys,
		messages:    openai.CloneMessages(req.Messages),
		promptChars: openai.CountChars(req.Messages),
		started:     time.Now(),
		done:        make(chan struct{}),
	}
	span.SetAttributes(tracing.StringAttr("relay.id", r.id), tracing.StringAttr("model", req.Model))
	r.mux = stream.New(r.onSourceDone)

	src, err := r.open()
	if err != nil {
		tracing.RecordError(span, err)
		span.End()
		return nil, err
	}
	if err := r.mux.Mount(src); err != nil {
		_ = src.Close()
		tracing.RecordError(span, err)
		span.End()
		return nil, err
	}
	return r, nil
}

// Relay is one in-flight response.
type Relay struct {
	id    string
	ctrl  *Controller
	ctx   context.Context
	span  trace.Span
	mux   *stream.Multiplexer
	model string
	keys  adapter.Keys

	mu              sync.Mutex
	messages        []openai.ChatMessage
	segment         trace.Span
	segments        int
	promptChars     int
	completionChars int
	lastFinish      stream.FinishReason
	started         time.Time
	finished        time.Time
	err             error

	once sync.Once
	done chan struct{}
}

// ID identifies the relay in logs and the ledger.
func (r *Relay) ID() string { return r.id }

// Reader is the single consumer handle of the relayed bytes.
func (r *Relay) Reader() io.Reader { return r.mux.Reader() }

// Switches reports how many continuation segments were mounted.
func (r *Relay) Switches() int { return r.mux.Switches() }

// State reports the multiplexer state.
func (r *Relay) State() stream.State { return r.mux.State() }

// Messages returns a snapshot of the conversation as last sent upstream.
func (r *Relay) Messages() []openai.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return openai.CloneMessages(r.messages)
}

// Abort is called when the consumer stops reading.
func (r *Relay) Abort(err error) { r.mux.Abort(err) }

// Wait blocks until the relay terminates and returns its terminal error, nil
// when the response completed normally.
func (r *Relay) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Summary describes a finished relay. It is only complete after Wait returns.
type Summary struct {
	ID              string
	Model           string
	Segments        int
	Switches        int
	PromptChars     int
	CompletionChars int
	FinishReason    stream.FinishReason
	Outcome         Outcome
	Duration        time.Duration
	Err             error
}

func (r *Relay) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.finished
	if end.IsZero() {
		end = time.Now()
	}
	return Summary{
		ID:              r.id,
		Model:           r.model,
		Segments:        r.segments,
		Switches:        r.mux.Switches(),
		PromptChars:     r.promptChars,
		CompletionChars: r.completionChars,
		FinishReason:    r.lastFinish,
		Outcome:         outcomeOf(r.err),
		Duration:        end.Sub(r.started),
		Err:             r.err,
	}
}

func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrSegmentLimitExceeded):
		return OutcomeSegmentLimit
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrClosedPipe):
		return OutcomeCanceled
	default:
		return OutcomeError
	}
}

// open requests the next segment with the current conversation.
func (r *Relay) open() (stream.Source, error) {
	r.mu.Lock()
	msgs := openai.CloneMessages(r.messages)
	r.segments++
	n := r.segments
	r.mu.Unlock()

	_, span := tracing.StartSpan(r.ctx, "relay.segment")
	span.SetAttributes(tracing.IntAttr("segment", n))
	src, err := r.ctrl.client.CreateCompletionStream(r.ctx, openai.ChatCompletionRequest{
		Model:     r.model,
		Messages:  msgs,
		MaxTokens: r.ctrl.maxTokens,
	}, r.keys)
	if err != nil {
		tracing.RecordError(span, err)
		span.End()
		return nil, err
	}
	r.mu.Lock()
	r.segment = span
	r.mu.Unlock()
	return src, nil
}

// onSourceDone runs on the forwarding goroutine once a segment is drained or failed.
func (r *Relay) onSourceDone(src stream.Source, err error) {
	res := src.Result()
	r.mu.Lock()
	r.completionChars += len(res.Text)
	r.lastFinish = res.FinishReason
	span := r.segment
	r.segment = nil
	r.mu.Unlock()
	if span != nil {
		span.SetAttributes(tracing.StringAttr("finish_reason", string(res.FinishReason)))
		if err != nil {
			tracing.RecordError(span, err)
		}
		span.End()
	}

	if err != nil {
		r.finish(err)
		return
	}
	if !res.FinishReason.Continuable() {
		r.finish(nil)
		return
	}
	if cerr := r.ctx.Err(); cerr != nil {
		r.finish(cerr)
		return
	}

	switches := r.mux.Switches()
	if switches >= r.ctrl.maxSegments {
		r.ctrl.logger.Printf("relay.segment_limit id=%s max_segments=%d", r.id, r.ctrl.maxSegments)
		r.finish(ErrSegmentLimitExceeded)
		return
	}

	r.ctrl.logger.Printf("relay.continue id=%s max_tokens=%d switches_left=%d", r.id, r.ctrl.maxTokens, r.ctrl.maxSegments-switches)
	r.mu.Lock()
	r.messages = append(r.messages,
		openai.ChatMessage{Role: openai.RoleAssistant, Content: res.Text},
		openai.ChatMessage{Role: openai.RoleUser, Content: ContinuePrompt},
	)
	r.mu.Unlock()

	next, err := r.open()
	if err != nil {
		r.finish(fmt.Errorf("relay: continuation: %w", err))
		return
	}
	if err := r.mux.Mount(next); err != nil {
		_ = next.Close()
		r.finish(err)
	}
}

// finish records the terminal error and closes the consumer stream once.
func (r *Relay) finish(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.finished = time.Now()
		r.mu.Unlock()

		r.span.SetAttributes(tracing.IntAttr("switches", r.mux.Switches()))
		if err != nil {
			tracing.RecordError(r.span, err)
			_ = r.mux.CloseWithError(err)
		} else {
			tracing.SetOK(r.span)
			_ = r.mux.Close()
		}
		r.span.End()
		close(r.done)
	})
}
