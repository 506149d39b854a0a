package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealer(t *testing.T) {
	s := NewSealer([]byte("test-key"))
	valid := s.Seal([]byte("123"))

	tests := []struct {
		name    string
		sealed  string
		wantErr bool
	}{
		{name: "Valid Seal", sealed: valid},
		{name: "Invalid Signature", sealed: "MTIz|invalid_signature", wantErr: true},
		{name: "Missing Separator", sealed: "MTIz", wantErr: true},
		{name: "Bad Value Encoding", sealed: "!!!|" + valid[len("MTIz|"):], wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := s.Open(tt.sealed)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadSeal)
				return
			}
			require.NoError(t, err)
			require.Equal(t, []byte("123"), v)
		})
	}

	t.Run("Other Key", func(t *testing.T) {
		_, err := NewSealer([]byte("other")).Open(valid)
		require.ErrorIs(t, err, ErrBadSeal)
	})
}
