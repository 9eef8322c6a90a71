// Package rpc is the thin HTTP and WebSocket surface over the
// orchestrator's core operations. It holds no business logic; handlers
// map one-to-one onto store and executor calls.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/crosslock-exchange/crosslock/internal/executor"
	"github.com/crosslock-exchange/crosslock/internal/notify"
	"github.com/crosslock-exchange/crosslock/internal/session"
	"github.com/crosslock-exchange/crosslock/internal/store"
	"github.com/crosslock-exchange/crosslock/pkg/helpers"
	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// Server exposes the orchestrator over HTTP.
type Server struct {
	addr     string
	store    *store.Store
	exec     *executor.Executor
	notifier *notify.Notifier
	httpSrv  *http.Server
	log      *logging.Logger
}

// NewServer wires the transport layer.
func NewServer(addr string, st *store.Store, exec *executor.Executor, notifier *notify.Notifier, log *logging.Logger) *Server {
	if log == nil {
		log = logging.GetDefault()
	}
	s := &Server{
		addr:     addr,
		store:    st,
		exec:     exec,
		notifier: notifier,
		log:      log.Component("rpc"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/execute", s.handleExecuteSwap)
	mux.HandleFunc("POST /api/sessions/{id}/cancel", s.handleCancelSwap)
	mux.HandleFunc("GET /api/sessions/{id}/steps", s.handleGetSteps)
	mux.HandleFunc("GET /ws/sessions/{id}", s.handleSubscribeSession)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("rpc server listening", "addr", s.addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rpc server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// sessionView is the wire form of a session. Amounts travel as decimal
// strings; digests as 0x-hex. The secret never leaves the core here.
type sessionView struct {
	ID                string            `json:"id"`
	Status            session.Status    `json:"status"`
	SourceChain       session.Chain     `json:"sourceChain"`
	DestinationChain  session.Chain     `json:"destinationChain"`
	SourceToken       string            `json:"sourceToken"`
	DestinationToken  string            `json:"destinationToken"`
	SourceAmount      string            `json:"sourceAmount"`
	DestinationAmount string            `json:"destinationAmount"`
	Maker             string            `json:"maker"`
	Taker             string            `json:"taker"`
	Hashlock          string            `json:"hashlock"`
	OrderHash         string            `json:"orderHash"`
	SrcEscrowAddress  string            `json:"srcEscrowAddress,omitempty"`
	DstHTLCHandle     string            `json:"dstHtlcHandle,omitempty"`
	SecretRevealed    bool              `json:"secretRevealed"`
	Timelocks         session.Timelocks `json:"timelocks"`
	ErrorKind         string            `json:"errorKind,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	ExpirationTime    time.Time         `json:"expirationTime"`
}

func toView(sess *session.Session) sessionView {
	return sessionView{
		ID:                sess.ID,
		Status:            sess.Status,
		SourceChain:       sess.SourceChain,
		DestinationChain:  sess.DestinationChain,
		SourceToken:       sess.SourceToken,
		DestinationToken:  sess.DestinationToken,
		SourceAmount:      sess.SourceAmount.String(),
		DestinationAmount: sess.DestinationAmount.String(),
		Maker:             sess.Maker,
		Taker:             sess.Taker,
		Hashlock:          helpers.BytesToHex(sess.Hashlock[:]),
		OrderHash:         helpers.BytesToHex(sess.OrderHash[:]),
		SrcEscrowAddress:  sess.SrcEscrowAddress,
		DstHTLCHandle:     sess.DstHTLCHandle,
		SecretRevealed:    len(sess.RevealedSecret) > 0,
		Timelocks:         sess.Timelocks,
		ErrorKind:         sess.ErrorKind,
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
		ExpirationTime:    sess.ExpirationTime,
	}
}

type createSessionRequest struct {
	SourceChain       string `json:"sourceChain"`
	DestinationChain  string `json:"destinationChain"`
	SourceToken       string `json:"sourceToken"`
	DestinationToken  string `json:"destinationToken"`
	SourceAmount      string `json:"sourceAmount"`
	DestinationAmount string `json:"destinationAmount"`
	Maker             string `json:"maker"`
	Taker             string `json:"taker"`
	SlippageBps       uint32 `json:"slippageBps"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: bad request body: %v", session.ErrValidation, err))
		return
	}

	srcAmount, err := parseAmount(req.SourceAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	dstAmount, err := parseAmount(req.DestinationAmount)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sess, err := s.store.Create(store.CreateParams{
		SourceChain:       session.Chain(req.SourceChain),
		DestinationChain:  session.Chain(req.DestinationChain),
		SourceToken:       req.SourceToken,
		DestinationToken:  req.DestinationToken,
		SourceAmount:      srcAmount,
		DestinationAmount: dstAmount,
		Maker:             req.Maker,
		Taker:             req.Taker,
		SlippageBps:       req.SlippageBps,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toView(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toView(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{Status: session.Status(r.URL.Query().Get("status"))}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			s.writeError(w, fmt.Errorf("%w: bad limit %q", session.ErrValidation, limitStr))
			return
		}
		filter.Limit = limit
	}

	sessions, err := s.store.List(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, toView(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (s *Server) handleExecuteSwap(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	// The swap runs asynchronously; callers follow progress via the
	// session endpoints or a subscription.
	go func() {
		if err := s.exec.ExecuteFullSwap(context.Background(), id); err != nil {
			s.log.Error("swap execution failed", "id", id, "err", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     sess.ID,
		"status": "execution_started",
	})
}

func (s *Server) handleCancelSwap(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.exec.CancelSwap(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toView(sess))
}

func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		s.writeError(w, err)
		return
	}
	steps, err := s.store.Steps(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if steps == nil {
		steps = []session.ExecutionStep{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// parseAmount reads an amount string already denominated in base units
// (wei, yoctoNEAR or token base units). Fractional input is rejected
// rather than silently truncated.
func parseAmount(s string) (*big.Int, error) {
	if strings.ContainsRune(s, '.') {
		return nil, fmt.Errorf("%w: amount %q must be in base units", session.ErrValidation, s)
	}
	amount, err := helpers.ParseBigAmount(s, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", session.ErrValidation, s)
	}
	return amount, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "err", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrCapacityExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, session.ErrIllegalTransition):
		status = http.StatusConflict
	case errors.Is(err, session.ErrWriteUnavailable):
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
