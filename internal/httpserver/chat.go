package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tokligence/segment-relay/internal/adapter"
	adapterrouter "github.com/tokligence/segment-relay/internal/adapter/router"
	"github.com/tokligence/segment-relay/internal/auth"
	"github.com/tokligence/segment-relay/internal/ledger"
	"github.com/tokligence/segment-relay/internal/metrics"
	"github.com/tokligence/segment-relay/internal/openai"
	"github.com/tokligence/segment-relay/internal/relay"
)

// APIKeysCookie carries a URL-encoded JSON map of provider name to key.
const APIKeysCookie = "apiKeys"

const chatPath = "/api/chat"

// maxChatBodyBytes bounds the conversation a client may post.
const maxChatBodyBytes = 4 << 20

type chatRequest struct {
	Messages []openai.ChatMessage `json:"messages"`
	Model    string               `json:"model"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.metrics.RecordRequestStart(chatPath)
	defer func() {
		s.metrics.RecordRequestEnd(chatPath)
		s.metrics.RecordRequest(chatPath, time.Since(start))
	}()

	var req chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validMessages(req.Messages) {
		s.metrics.RecordError(chatPath)
		status := decodeStatus(err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	id, _ := auth.IdentityFromContext(r.Context())
	reqID := middleware.GetReqID(r.Context())

	rl, err := s.relays.Run(r.Context(), relay.Request{
		Model:    req.Model,
		Messages: req.Messages,
		Keys:     apiKeysFromCookie(r),
	})
	if errors.Is(err, adapterrouter.ErrNoRoute) {
		s.metrics.RecordError(chatPath)
		s.debugf("chat.unknown_model request_id=%s uid=%s model=%q", reqID, id.UID, req.Model)
		http.Error(w, "Unknown model", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.metrics.RecordUpstreamError(req.Model, adapter.IsKeyError(err))
		s.logger.Printf("chat.upstream_error request_id=%s uid=%s model=%s err=%v", reqID, id.UID, req.Model, err)
		s.failChat(w, err)
		return
	}
	s.debugf("chat.start request_id=%s relay=%s uid=%s model=%s messages=%d", reqID, rl.ID(), id.UID, req.Model, len(req.Messages))

	committed, streamErr := s.streamRelay(w, rl)
	relayErr := rl.Wait()
	sum := rl.Summary()
	s.recordRelay(r.Context(), id, sum)

	if relayErr != nil {
		s.logger.Printf("chat.relay_error request_id=%s relay=%s outcome=%s switches=%d err=%v", reqID, rl.ID(), sum.Outcome, sum.Switches, relayErr)
	} else {
		s.debugf("chat.done request_id=%s relay=%s segments=%d switches=%d chars=%d", reqID, rl.ID(), sum.Segments, sum.Switches, sum.CompletionChars)
	}

	switch {
	case streamErr == nil:
	case !committed:
		if adapter.IsKeyError(streamErr) {
			s.metrics.RecordUpstreamError(req.Model, true)
		}
		s.failChat(w, streamErr)
	case r.Context().Err() == nil:
		// Status is already 200; drop the connection so the client sees a
		// truncated body rather than a clean end.
		panic(http.ErrAbortHandler)
	}
}

// streamRelay copies relay bytes to w, flushing after each chunk. Headers are
// committed with the first byte so a failure before any output can still pick
// a status code.
func (s *Server) streamRelay(w http.ResponseWriter, rl *relay.Relay) (committed bool, err error) {
	flusher, _ := w.(http.Flusher)
	commit := func() {
		if committed {
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("X-Relay-Id", rl.ID())
		w.WriteHeader(http.StatusOK)
		committed = true
	}

	src := rl.Reader()
	buf := make([]byte, 4096)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			commit()
			if _, werr := w.Write(buf[:n]); werr != nil {
				rl.Abort(werr)
				return committed, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(rerr, io.EOF) {
			commit()
			return committed, nil
		}
		if rerr != nil {
			return committed, rerr
		}
	}
}

func (s *Server) failChat(w http.ResponseWriter, err error) {
	s.metrics.RecordError(chatPath)
	if adapter.IsKeyError(err) {
		http.Error(w, "Invalid or missing API key", http.StatusUnauthorized)
		return
	}
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (s *Server) recordRelay(ctx context.Context, id auth.Identity, sum relay.Summary) {
	s.metrics.RecordRelay(metrics.Relay{
		Model:           sum.Model,
		Outcome:         string(sum.Outcome),
		Segments:        sum.Segments,
		Switches:        sum.Switches,
		PromptChars:     sum.PromptChars,
		CompletionChars: sum.CompletionChars,
	})
	if s.ledger == nil {
		return
	}
	entry := ledger.Entry{
		RelayID:         sum.ID,
		UserID:          userKey(id),
		Email:           id.Email,
		Model:           sum.Model,
		Segments:        sum.Segments,
		Switches:        sum.Switches,
		PromptChars:     int64(sum.PromptChars),
		CompletionChars: int64(sum.CompletionChars),
		Outcome:         ledger.Outcome(sum.Outcome),
		DurationMS:      sum.Duration.Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
	// The request context is usually canceled by now for aborted streams.
	if err := s.ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Printf("ledger.record_error relay=%s err=%v", sum.ID, err)
	}
}

func userKey(id auth.Identity) string {
	if id.UID != "" {
		return id.UID
	}
	return id.Email
}

// decodeStatus maps a body decode failure to 413 when the size cap was hit
// and 400 otherwise.
func decodeStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func validMessages(msgs []openai.ChatMessage) bool {
	if len(msgs) == 0 {
		return false
	}
	for _, m := range msgs {
		if !m.Valid() {
			return false
		}
	}
	return true
}

// apiKeysFromCookie decodes the optional provider key map. The header is
// split by hand because net/http drops cookie values holding raw JSON quotes.
// A malformed cookie is treated as absent.
func apiKeysFromCookie(r *http.Request) adapter.Keys {
	for _, line := range r.Header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || strings.TrimSpace(name) != APIKeysCookie {
				continue
			}
			if decoded, err := url.PathUnescape(value); err == nil {
				value = decoded
			}
			var keys map[string]string
			if err := json.Unmarshal([]byte(strings.TrimSpace(value)), &keys); err != nil {
				return nil
			}
			return adapter.Keys(keys)
		}
	}
	return nil
}
