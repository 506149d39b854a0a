package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var ErrBadSeal = errors.New("invalid seal")

// Sealer signs persisted values so a tampered local store is rejected rather
// than trusted.
type Sealer struct {
	key []byte
}

func NewSealer(key []byte) *Sealer {
	return &Sealer{key: append([]byte(nil), key...)}
}

// Seal returns value in the format "value|signature", both base64url.
func (s *Sealer) Seal(value []byte) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString(value), base64.URLEncoding.EncodeToString(s.sign(value)))
}

// Open verifies a sealed string and returns the original value.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	parts := strings.Split(sealed, "|")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: format", ErrBadSeal)
	}

	value, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: value encoding", ErrBadSeal)
	}
	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding", ErrBadSeal)
	}

	if !hmac.Equal(signature, s.sign(value)) {
		return nil, fmt.Errorf("%w: signature", ErrBadSeal)
	}
	return value, nil
}

func (s *Sealer) sign(value []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(value)
	return mac.Sum(nil)
}
