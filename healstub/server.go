// Package healstub is an in-memory healing service answering from a
// fixture. It backs the integration tests and cmd/healstub.
package healstub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/selfheal/healclient"
	"github.com/hazyhaar/selfheal/idgen"
)

type pending struct {
	locator Locator
	polls   int
}

// Server serves the /v1 healing API.
type Server struct {
	fixture *Fixture
	logger  *slog.Logger

	mu      sync.Mutex
	tokens  map[string]string // session id → token
	pending map[string]*pending
	logged  []healclient.LocatorReport
}

// New returns a Server for f. A nil logger uses slog.Default().
func New(f *Fixture, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if f.ReadyAfter <= 0 {
		f.ReadyAfter = 1
	}
	return &Server{
		fixture: f,
		logger:  logger,
		tokens:  make(map[string]string),
		pending: make(map[string]*pending),
	}
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the API on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/init", s.handleInit)
		r.Post("/token", s.handleToken)
		r.Post("/log", s.handleLog)
		r.Post("/heal", s.handleHeal)
		r.Post("/poll", s.handlePoll)
	})
}

// Logged returns the lookups reported through /v1/log and /v1/heal.
func (s *Server) Logged() []healclient.LocatorReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]healclient.LocatorReport(nil), s.logged...)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req healclient.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if minVer := s.fixture.MinClientVersion; minVer != "" && versionLess(req.ClientVersion, minVer) {
		writeError(w, http.StatusUpgradeRequired, "client "+req.ClientVersion+" is older than "+minVer)
		return
	}
	acct, ok := s.fixture.account(req.User, req.Key)
	if !ok {
		s.logger.Info("healstub: rejected credentials", "user", req.User)
		writeError(w, http.StatusUnauthorized, "invalid username or access key")
		return
	}
	writeJSON(w, http.StatusOK, healclient.InitResponse{
		UserID:                acct.UserID,
		GroupID:               acct.GroupID,
		SessionToken:          acct.Token,
		IsHealingEnabled:      acct.HealingEnabled,
		IsGroupAIEnabled:      acct.GroupAIEnabled,
		DefaultLogDataEnabled: acct.LogData,
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req healclient.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, "session_id and token required")
		return
	}
	s.mu.Lock()
	s.tokens[req.SessionID] = req.Token
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var rep healclient.LocatorReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	s.logged = append(s.logged, rep)
	s.mu.Unlock()
	d := healclient.Directive{Capture: s.fixture.CaptureOnLog}
	if d.Capture {
		d.RequestID = idgen.New()
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleHeal(w http.ResponseWriter, r *http.Request) {
	var rep healclient.LocatorReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logged = append(s.logged, rep)

	if _, bound := s.tokens[rep.SessionID]; !bound {
		writeError(w, http.StatusForbidden, "session not bound")
		return
	}
	loc, ok := s.fixture.locator(rep.LocatorType, rep.LocatorValue)
	if !ok {
		writeJSON(w, http.StatusOK, healclient.Directive{})
		return
	}
	s.pending[rep.SessionID] = &pending{locator: loc}
	writeJSON(w, http.StatusOK, healclient.Directive{Capture: true, RequestID: idgen.New()})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req healclient.PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if tok, ok := s.tokens[req.SessionID]; !ok || tok != req.Token {
		writeError(w, http.StatusForbidden, "invalid session token")
		return
	}
	p, ok := s.pending[req.SessionID]
	if !ok {
		writeJSON(w, http.StatusOK, healclient.PollResponse{})
		return
	}
	p.polls++
	if p.polls < s.fixture.ReadyAfter {
		writeJSON(w, http.StatusOK, healclient.PollResponse{})
		return
	}
	delete(s.pending, req.SessionID)
	writeJSON(w, http.StatusOK, healclient.PollResponse{
		Ready: true, Selector: p.locator.Selector, Value: p.locator.Healed,
	})
}
