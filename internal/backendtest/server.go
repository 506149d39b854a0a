// Package backendtest runs an in-process chat backend that speaks the same
// REST and websocket contract as the real services. Tests use it to drive the
// client end to end and to inject expiries, refresh failures and drops.
package backendtest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chattysync/internal/logger"
	"github.com/pliu/chattysync/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// MFACode is the only second-factor code the server accepts.
const MFACode = "123456"

type user struct {
	id   string
	hash []byte
	mfa  bool
}

type Server struct {
	URL   string
	WSURL string

	srv    *httptest.Server
	hub    *Hub
	logger *slog.Logger

	mu          sync.Mutex
	users       map[string]*user
	mfaSessions map[string]string
	access      map[string]string
	refresh     map[string]string
	messages    map[string][]models.Message
	failures    map[string][]int
	seq         int
	tokenTTL    time.Duration

	refreshCalls  atomic.Int32
	refreshDelay  atomic.Int64
	rejectRefresh atomic.Bool
}

// New starts a server. Call Close when done.
func New() *Server {
	s := &Server{
		logger:      logger.Discard(),
		users:       make(map[string]*user),
		mfaSessions: make(map[string]string),
		access:      make(map[string]string),
		refresh:     make(map[string]string),
		messages:    make(map[string][]models.Message),
		failures:    make(map[string][]int),
		tokenTTL:    time.Hour,
	}
	s.hub = NewHub(s.logger)
	go s.hub.Run()

	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/api/v1/auth/authenticate", s.faulty("authenticate", s.authenticate)).Methods("POST")
	r.HandleFunc("/api/v1/auth/mfa/verify", s.faulty("mfa_verify", s.verifyMFA)).Methods("POST")
	r.HandleFunc("/api/v1/auth/refresh", s.faulty("refresh", s.refreshToken)).Methods("POST")
	r.Handle("/api/v1/auth/logout", s.authMiddleware(s.faulty("logout", s.logout))).Methods("POST")

	r.Handle("/api/v1/messages", s.authMiddleware(s.faulty("history", s.history))).Methods("GET")
	r.Handle("/api/messages", s.authMiddleware(s.faulty("send", s.sendMessage))).Methods("POST")
	r.Handle("/api/messages/{id}", s.authMiddleware(s.faulty("edit", s.editMessage))).Methods("PUT")
	r.Handle("/api/messages/{id}", s.authMiddleware(s.faulty("delete", s.deleteMessage))).Methods("DELETE")
	r.Handle("/api/messages/{id}/reactions", s.authMiddleware(s.faulty("react", s.toggleReaction))).Methods("POST")

	r.Handle("/ws/chat", s.authMiddleware(http.HandlerFunc(s.serveWs)))

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	s.WSURL = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	return s
}

func (s *Server) Close() {
	s.hub.Stop()
	s.srv.Close()
}

// AddUser registers identifier with a bcrypt-hashed password.
func (s *Server) AddUser(identifier, password, userID string, mfa bool) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.users[identifier] = &user{id: userID, hash: hash, mfa: mfa}
	s.mu.Unlock()
}

// Login issues a token pair for userID without the password exchange.
func (s *Server) Login(userID string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

// ExpireAccessTokens invalidates every access token; refresh tokens stay
// valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.access = make(map[string]string)
	s.mu.Unlock()
}

// RejectRefresh makes every refresh answer authenticated=false.
func (s *Server) RejectRefresh(reject bool) { s.rejectRefresh.Store(reject) }

// SetRefreshDelay holds each refresh for d, widening the window in which
// concurrent rejections pile up.
func (s *Server) SetRefreshDelay(d time.Duration) { s.refreshDelay.Store(int64(d)) }

func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// FailNext makes the next calls to op answer with the given statuses, in
// order. Ops: authenticate, mfa_verify, refresh, logout, history, send,
// edit, delete, react.
func (s *Server) FailNext(op string, statuses ...int) {
	s.mu.Lock()
	s.failures[op] = append(s.failures[op], statuses...)
	s.mu.Unlock()
}

// Seed appends messages to a channel's history. They must be in SentAt order.
func (s *Server) Seed(channelID string, msgs ...models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		m.ConversationID = channelID
		s.messages[channelID] = append(s.messages[channelID], m.Clone())
	}
}

// Messages returns the channel's stored history.
func (s *Server) Messages(channelID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages[channelID]))
	for i, m := range s.messages[channelID] {
		out[i] = m.Clone()
	}
	return out
}

// Push sends a frame to every socket in the channel.
func (s *Server) Push(channelID, eventType string, payload any) {
	s.hub.Publish(channelID, eventType, payload)
}

// PushRaw sends bytes as-is, for malformed-frame tests.
func (s *Server) PushRaw(channelID string, frame []byte) {
	s.hub.broadcast <- frameFor{room: channelID, data: frame}
}

// DropConnections closes every socket without a close frame.
func (s *Server) DropConnections() { s.hub.DropAll() }

// Connections counts open sockets for a channel.
func (s *Server) Connections(channelID string) int { return s.hub.Count(channelID) }

func (s *Server) issueLocked(userID string) (string, string) {
	s.seq++
	access := fmt.Sprintf("at-%s-%d", userID, s.seq)
	refresh := fmt.Sprintf("rt-%s-%d", userID, s.seq)
	s.access[access] = userID
	s.refresh[refresh] = userID
	return access, refresh
}

func (s *Server) nextIDLocked(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s-%d", prefix, s.seq)
}

func (s *Server) faulty(op string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var status int
		if q := s.failures[op]; len(q) > 0 {
			status = q[0]
			s.failures[op] = q[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			writeError(w, status, "INJECTED", op+" failed")
			return
		}
		next(w, r)
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
