package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pliu/chattysync/internal/models"
	"github.com/pliu/chattysync/internal/store"
)

const credentialKey = "auth/credential"

var encMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

// CredentialStore holds the one active credential. It mirrors every change to
// the durable store and is the only component that touches it.
type CredentialStore struct {
	mu     sync.RWMutex
	cred   *models.Credential
	kv     store.Store
	sealer *Sealer
	logger *slog.Logger
}

// NewCredentialStore returns an empty store. kv may be nil for a memory-only
// store.
func NewCredentialStore(kv store.Store, sealKey []byte, logger *slog.Logger) *CredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{
		kv:     kv,
		sealer: NewSealer(sealKey),
		logger: logger,
	}
}

// Load restores the persisted credential, if any. A seal or decode failure
// discards the stored value and leaves the store unauthenticated.
func (s *CredentialStore) Load() error {
	if s.kv == nil {
		return nil
	}
	raw, err := s.kv.Get(credentialKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}

	value, err := s.sealer.Open(string(raw))
	if err != nil {
		s.logger.Warn("credential_seal_invalid", "error", err)
		return s.kv.Delete(credentialKey)
	}
	var cred models.Credential
	if err := cbor.Unmarshal(value, &cred); err != nil {
		s.logger.Warn("credential_decode_failed", "error", err)
		return s.kv.Delete(credentialKey)
	}

	s.mu.Lock()
	s.cred = &cred
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the current credential, or nil when unauthenticated.
func (s *CredentialStore) Get() *models.Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return nil
	}
	c := *s.cred
	return &c
}

// Token returns the current access token, or "".
func (s *CredentialStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return ""
	}
	return s.cred.Token
}

func (s *CredentialStore) Set(cred models.Credential) error {
	s.mu.Lock()
	s.cred = &cred
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	value, err := encMode.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := s.kv.Put(credentialKey, []byte(s.sealer.Seal(value))); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	if err := s.kv.Delete(credentialKey); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

// IsExpired is true when there is no credential or now >= its expiry.
func (s *CredentialStore) IsExpired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Expired(now)
}
