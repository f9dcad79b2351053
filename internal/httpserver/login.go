package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/tokligence/segment-relay/internal/auth"
)

const maxLoginBodyBytes = 64 << 10

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.issuer == nil || s.verifier == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("login disabled"))
		return
	}
	var req struct {
		IDToken string `json:"idToken"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBodyBytes)
	err := json.NewDecoder(r.Body).Decode(&req)
	if status := decodeStatus(err); status == http.StatusRequestEntityTooLarge {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if err != nil || strings.TrimSpace(req.IDToken) == "" {
		http.Error(w, "Missing idToken", http.StatusBadRequest)
		return
	}

	id, err := s.verifier.Verify(r.Context(), req.IDToken)
	if errors.Is(err, auth.ErrNoEmail) {
		http.Error(w, "Invalid identity token: no email found", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Printf("login.verify_error remote=%s err=%v", r.RemoteAddr, err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}

	token, expires, err := s.issuer.Issue(id)
	if err != nil {
		s.logger.Printf("login.issue_error uid=%s err=%v", id.UID, err)
		http.Error(w, "Authentication failed", http.StatusInternalServerError)
		return
	}
	s.debugf("login.issued uid=%s expires=%s", id.UID, expires.UTC().Format(time.RFC3339))
	s.respondJSON(w, http.StatusOK, map[string]any{"token": token})
}
