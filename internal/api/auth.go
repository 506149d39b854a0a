package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pliu/chattysync/internal/gateway"
	"github.com/pliu/chattysync/internal/models"
)

var ErrNotAuthenticated = errors.New("not authenticated")

type AuthRequest struct {
	Identifier     string `json:"identifier"`
	CredentialType string `json:"credentialType"`
	Password       string `json:"password"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"` // seconds
}

type AuthResponse struct {
	Authenticated bool           `json:"authenticated"`
	UserID        string         `json:"userId,omitempty"`
	RequiresMFA   bool           `json:"requiresMfa,omitempty"`
	MFASessionID  string         `json:"mfaSessionId,omitempty"`
	Token         *TokenResponse `json:"token,omitempty"`
}

type AuthService struct {
	gw  *gateway.Gateway
	now func() time.Time
}

func NewAuthService(gw *gateway.Gateway) *AuthService {
	return &AuthService{gw: gw, now: time.Now}
}

// Authenticate logs in with a password. When the server asks for a second
// factor the response carries RequiresMFA and no credential is stored.
func (s *AuthService) Authenticate(ctx context.Context, identifier, password string) (*AuthResponse, error) {
	var resp AuthResponse
	err := s.gw.JSON(ctx, gateway.Request{
		Op:       "authenticate",
		Method:   http.MethodPost,
		Path:     "/api/v1/auth/authenticate",
		Body:     AuthRequest{Identifier: identifier, CredentialType: "PASSWORD", Password: password},
		SkipAuth: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, s.store(&resp)
}

// VerifySecondFactor completes a login that returned RequiresMFA.
func (s *AuthService) VerifySecondFactor(ctx context.Context, sessionID, code string) (*AuthResponse, error) {
	var resp AuthResponse
	err := s.gw.JSON(ctx, gateway.Request{
		Op:       "verify_second_factor",
		Method:   http.MethodPost,
		Path:     "/api/v1/auth/mfa/verify",
		Body:     map[string]string{"mfaSessionId": sessionID, "code": code},
		SkipAuth: true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, s.store(&resp)
}

// Refresh implements gateway.Refresher.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (models.Credential, error) {
	var resp AuthResponse
	err := s.gw.JSON(ctx, gateway.Request{
		Op:       "refresh",
		Method:   http.MethodPost,
		Path:     "/api/v1/auth/refresh",
		Body:     map[string]string{"refreshToken": refreshToken},
		SkipAuth: true,
	}, &resp)
	if err != nil {
		return models.Credential{}, err
	}
	if !resp.Authenticated || resp.Token == nil || resp.Token.AccessToken == "" {
		return models.Credential{}, ErrNotAuthenticated
	}
	cred := s.credential(&resp)
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

// Logout tells the server and always drops the local credential.
func (s *AuthService) Logout(ctx context.Context) error {
	_, err := s.gw.Do(ctx, gateway.Request{
		Op:     "logout",
		Method: http.MethodPost,
		Path:   "/api/v1/auth/logout",
	})
	if cerr := s.gw.Credentials().Clear(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *AuthService) store(resp *AuthResponse) error {
	if !resp.Authenticated || resp.Token == nil || resp.Token.AccessToken == "" {
		if resp.RequiresMFA {
			return nil
		}
		return ErrNotAuthenticated
	}
	if err := s.gw.Credentials().Set(s.credential(resp)); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}

func (s *AuthService) credential(resp *AuthResponse) models.Credential {
	cred := models.Credential{
		Token:        resp.Token.AccessToken,
		RefreshToken: resp.Token.RefreshToken,
		UserID:       resp.UserID,
	}
	if resp.Token.ExpiresIn > 0 {
		exp := s.now().Add(time.Duration(resp.Token.ExpiresIn) * time.Second)
		cred.ExpiresAt = &exp
	}
	return cred
}
