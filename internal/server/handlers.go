package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"rsc.io/qr"

	"github.com/danhigham/telefleet/internal/domain"
	"github.com/danhigham/telefleet/internal/fleet"
)

// PairResponse answers a pairing request. Code is set when the identity
// still has to be linked; Registered when stored credentials were enough.
type PairResponse struct {
	OK         bool   `json:"ok"`
	Code       string `json:"code,omitempty"`
	Registered bool   `json:"registered,omitempty"`
}

type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	SessionsActive int       `json:"sessions_active"`
}

type SessionStatus struct {
	Number string    `json:"number"`
	Since  time.Time `json:"since"`
	State  string    `json:"state"`
}

type StatusResponse struct {
	OK             bool            `json:"ok"`
	SessionsActive int             `json:"sessions_active"`
	Sessions       []SessionStatus `json:"sessions"`
}

// startPairing starts a session for the number in the query and writes the
// error response itself when it cannot. The code is only ever handed to the
// caller that started the pairing.
func (s *Server) startPairing(w http.ResponseWriter, r *http.Request) (fleet.PairingResult, bool) {
	id, err := domain.ParseIdentity(r.URL.Query().Get("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid phone number: at least 8 digits are required")
		return fleet.PairingResult{}, false
	}
	if _, ok := s.fleet.Session(id); ok {
		writeError(w, http.StatusConflict, "a session is already active for this number")
		return fleet.PairingResult{}, false
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PairTimeout)
	defer cancel()

	res, err := s.fleet.Start(ctx, id)
	switch {
	case errors.Is(err, fleet.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return res, false
	case err != nil:
		s.logger.Warn("pairing request failed", zap.String("identity", id.String()), zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not get a pairing code, try again later")
		return res, false
	case res.AlreadyActive:
		writeError(w, http.StatusConflict, "a session is already active for this number")
		return res, false
	}
	return res, true
}

func (s *Server) pair(w http.ResponseWriter, r *http.Request) {
	res, ok := s.startPairing(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, PairResponse{OK: true, Code: res.Code, Registered: res.Registered})
}

// pairQR starts pairing like pair and renders the code as a PNG. A number
// whose stored credentials were enough gets the JSON answer instead.
func (s *Server) pairQR(w http.ResponseWriter, r *http.Request) {
	res, ok := s.startPairing(w, r)
	if !ok {
		return
	}
	if res.Registered || res.Code == "" {
		writeJSON(w, http.StatusOK, PairResponse{OK: true, Registered: res.Registered})
		return
	}

	code, err := qr.Encode(res.Code, qr.M)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not render pairing code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(code.PNG())
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		Timestamp:      s.now().UTC(),
		SessionsActive: s.fleet.Count(),
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sessions := s.fleet.Sessions()
	out := StatusResponse{
		OK:             true,
		SessionsActive: len(sessions),
		Sessions:       make([]SessionStatus, 0, len(sessions)),
	}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, SessionStatus{
			Number: sess.Identity.String(),
			Since:  sess.Since,
			State:  sess.State.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
