package backendtest

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type tokenBody struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type authBody struct {
	Authenticated bool       `json:"authenticated"`
	UserID        string     `json:"userId,omitempty"`
	RequiresMFA   bool       `json:"requiresMfa,omitempty"`
	MFASessionID  string     `json:"mfaSessionId,omitempty"`
	Token         *tokenBody `json:"token,omitempty"`
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identifier     string `json:"identifier"`
		CredentialType string `json:"credentialType"`
		Password       string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if req.CredentialType != "PASSWORD" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unsupported credential type")
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Identifier]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(u.hash, []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid credentials")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if u.mfa {
		session := s.nextIDLocked("mfa")
		s.mfaSessions[session] = u.id
		writeData(w, http.StatusOK, authBody{UserID: u.id, RequiresMFA: true, MFASessionID: session})
		return
	}
	writeData(w, http.StatusOK, s.grantLocked(u.id))
}

func (s *Server) verifyMFA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"mfaSessionId"`
		Code      string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.mfaSessions[req.SessionID]
	if !ok || req.Code != MFACode {
		writeError(w, http.StatusUnauthorized, "INVALID_CODE", "invalid code")
		return
	}
	delete(s.mfaSessions, req.SessionID)
	writeData(w, http.StatusOK, s.grantLocked(id))
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	if d := time.Duration(s.refreshDelay.Load()); d > 0 {
		time.Sleep(d)
	}

	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if s.rejectRefresh.Load() {
		writeData(w, http.StatusOK, authBody{Authenticated: false})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.refresh[req.RefreshToken]
	if !ok {
		writeData(w, http.StatusOK, authBody{Authenticated: false})
		return
	}
	access := s.nextIDLocked("at-" + id + "-r")
	s.access[access] = id
	writeData(w, http.StatusOK, authBody{
		Authenticated: true,
		UserID:        id,
		Token:         &tokenBody{AccessToken: access, ExpiresIn: int64(s.tokenTTL / time.Second)},
	})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.access, token)
	s.mu.Unlock()
	writeData(w, http.StatusOK, nil)
}

func (s *Server) grantLocked(userID string) authBody {
	access, refresh := s.issueLocked(userID)
	return authBody{
		Authenticated: true,
		UserID:        userID,
		Token: &tokenBody{
			AccessToken:  access,
			RefreshToken: refresh,
			ExpiresIn:    int64(s.tokenTTL / time.Second),
		},
	}
}
