// Package api exposes the pool manager's client façade as a JSON-over-HTTP
// control surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/scriptd/scriptd/internal/client"
	"github.com/scriptd/scriptd/internal/pool"
)

// parseToken parses a reservation token from its string form.
func parseToken(raw string) (pool.Token, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return pool.Token{}, fmt.Errorf("%w: malformed token %q", pool.ErrInvalidArgument, raw)
	}
	return pool.Token(id), nil
}

// Server wires the client façade into an http.Handler.
type Server struct {
	cl              *client.Client
	logger          *slog.Logger
	allocateTimeout time.Duration
	mux             *http.ServeMux
}

// New builds the HTTP control surface around a façade Client.
func New(cl *client.Client, logger *slog.Logger, allocateTimeout time.Duration) *Server {
	s := &Server{cl: cl, logger: logger, allocateTimeout: allocateTimeout, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /eval", s.handleEval)
	s.mux.HandleFunc("POST /reserve", s.handleReserve)
	s.mux.HandleFunc("POST /release", s.handleRelease)
	s.mux.HandleFunc("GET /memory", s.handleGetMemory)
	s.mux.HandleFunc("POST /restart", s.handleRestartAll)
	s.mux.HandleFunc("POST /require", s.handleRequireCode)
	s.mux.HandleFunc("POST /unrequire", s.handleUnrequireCode)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type evalRequest struct {
	Code      string `json:"code"`
	Token     string `json:"token,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type evalResponse struct {
	Tag         string      `json:"tag"`
	Output      string      `json:"output,omitempty"`
	ReturnValue interface{} `json:"return_value,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Status      string      `json:"status,omitempty"`
	ExitCode    int         `json:"exit_code,omitempty"`
	Timeout     bool        `json:"timeout,omitempty"`
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	var req evalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	opts := make([]client.EvalOption, 0, 2)
	if req.Token != "" {
		tok, err := parseToken(req.Token)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		opts = append(opts, client.WithToken(tok))
	}
	if req.TimeoutMs > 0 {
		opts = append(opts, client.WithTimeout(time.Duration(req.TimeoutMs)*time.Millisecond))
	}

	result, err := s.cl.Eval(req.Code, opts...)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, evalResponse{
		Tag:         string(result.Tag),
		Output:      result.Output,
		ReturnValue: result.ReturnValue,
		LastError:   result.LastError,
		Status:      string(result.Status),
		ExitCode:    result.ExitCode,
		Timeout:     result.Timeout,
	})
}

type reserveRequest struct {
	MaxMemKiB int64 `json:"max_mem_kib,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	tok, err := s.cl.Reserve(req.MaxMemKiB)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok.String()})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	tok, err := tokenFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cl.Release(tok); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	tok, err := tokenFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	kib, err := s.cl.GetMemory(tok)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"rss_kib": kib})
}

func (s *Server) handleRestartAll(w http.ResponseWriter, r *http.Request) {
	if err := s.cl.RestartAll(); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type requireRequest struct {
	Snippet string `json:"snippet"`
}

func (s *Server) handleRequireCode(w http.ResponseWriter, r *http.Request) {
	var req requireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tok, err := s.cl.RequireCode(req.Snippet)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": tok.String()})
}

func (s *Server) handleUnrequireCode(w http.ResponseWriter, r *http.Request) {
	tok, err := tokenFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cl.UnrequireCode(tok); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func tokenFromQuery(r *http.Request) (pool.Token, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		return pool.Token{}, errors.New("missing token query parameter")
	}
	return parseToken(raw)
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrInvalidReservation):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, pool.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, err)
	default:
		s.logger.Error("internal error handling request", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
