package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/weft-io/weft/internal/capability"
	"github.com/weft-io/weft/internal/conversation"
	"github.com/weft-io/weft/internal/logbuf"
	"github.com/weft-io/weft/pkg/acl"
)

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(since time.Time, minLevel slog.Level, limit int) []logbuf.Entry
}

// CoreService is the interface the API server needs from the message core.
type CoreService interface {
	Submit(msg acl.Message) (string, error) // returns conversation ID
	Agents() []string
	SetAgentHealth(agentID string, healthy bool)
	Capabilities() []capability.Registration
	RegisterCapability(agentID, capability string, score float64)
	DeregisterCapability(agentID, capability string) error
	ListConversations(f conversation.Filter) ([]*conversation.Record, error)
	GetConversation(id string) (*conversation.Record, error)
	ConversationMessages(id string) ([]acl.Message, error)
	DeadLetters(limit int) ([]conversation.DeadLetter, error)
	LiveConversations() int
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the weft REST API server.
type Server struct {
	svc    CoreService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	hub    *Hub
	srv    *http.Server
}

// NewServer creates a new API server. logs and hub may be nil.
func NewServer(svc CoreService, cfg Config, logger *slog.Logger, logs LogQuerier, hub *Hub) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
		hub:    hub,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/agents", s.requireAuth(s.handleListAgents))
	mux.HandleFunc("POST /api/agents/{id}/health", s.requireAuth(s.handleSetAgentHealth))
	mux.HandleFunc("GET /api/capabilities", s.requireAuth(s.handleListCapabilities))
	mux.HandleFunc("POST /api/capabilities", s.requireAuth(s.handleRegisterCapability))
	mux.HandleFunc("DELETE /api/capabilities/{agent}/{name}", s.requireAuth(s.handleDeregisterCapability))
	mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /api/conversations/{id}", s.requireAuth(s.handleGetConversation))
	mux.HandleFunc("GET /api/deadletters", s.requireAuth(s.handleDeadLetters))
	mux.HandleFunc("POST /api/messages", s.requireAuth(s.handlePostMessage))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	if hub != nil {
		mux.HandleFunc("GET /api/events", s.requireAuth(hub.handleEvents))
		mux.HandleFunc("GET /api/agents/{id}/attach", s.requireAuth(hub.handleAttach))
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"live_conversations": s.svc.LiveConversations(),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.svc.Agents()
	if agents == nil {
		agents = []string{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleSetAgentHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	s.svc.SetAgentHealth(r.PathValue("id"), req.Healthy)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, _ *http.Request) {
	caps := s.svc.Capabilities()
	if caps == nil {
		caps = []capability.Registration{}
	}
	writeJSON(w, http.StatusOK, caps)
}

type registerCapabilityRequest struct {
	AgentID    string  `json:"agent_id"`
	Capability string  `json:"capability"`
	Score      float64 `json:"score"`
}

func (s *Server) handleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	var req registerCapabilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.AgentID == "" || req.Capability == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id and capability are required"})
		return
	}
	s.svc.RegisterCapability(req.AgentID, req.Capability, req.Score)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleDeregisterCapability(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeregisterCapability(r.PathValue("agent"), r.PathValue("name")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	filter := conversation.Filter{}
	if state := r.URL.Query().Get("state"); state != "" {
		filter.State = conversation.State(state)
	}
	if protocol := r.URL.Query().Get("protocol"); protocol != "" {
		filter.Protocol = protocol
	}
	if participant := r.URL.Query().Get("participant"); participant != "" {
		filter.Participant = participant
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	recs, err := s.svc.ListConversations(filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []*conversation.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type conversationResponse struct {
	*conversation.Record
	Messages []acl.Message `json:"messages"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := s.svc.GetConversation(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "conversation not found"})
		return
	}
	msgs, err := s.svc.ConversationMessages(id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if msgs == nil {
		msgs = []acl.Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{Record: rec, Messages: msgs})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	letters, err := s.svc.DeadLetters(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if letters == nil {
		letters = []conversation.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var msg acl.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	conversationID, err := s.svc.Submit(msg)
	if err != nil {
		var ve *acl.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "conversation_id": conversationID})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if lvl := r.URL.Query().Get("level"); lvl != "" {
		switch strings.ToLower(lvl) {
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(since, minLevel, limit)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
