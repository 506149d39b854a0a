package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   error
	}{
		{"Unauthorized", http.StatusUnauthorized, ErrAuthRejected},
		{"Bad Request", http.StatusBadRequest, ErrValidationRejected},
		{"Forbidden", http.StatusForbidden, ErrValidationRejected},
		{"Conflict", http.StatusConflict, ErrValidationRejected},
		{"Too Many Requests", http.StatusTooManyRequests, ErrNetworkTransient},
		{"Bad Gateway", http.StatusBadGateway, ErrNetworkTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromStatus("send_message", tt.status, "", "")
			require.ErrorIs(t, err, tt.kind)
			require.Equal(t, tt.status, Status(err))
		})
	}
}

func TestWrappedErrorKeepsKind(t *testing.T) {
	err := fmt.Errorf("load older: %w", New(ErrNetworkTransient, "fetch_history", context.DeadlineExceeded))
	require.True(t, Retryable(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, errors.Is(err, ErrAuthTerminal))
	require.Contains(t, err.Error(), "fetch_history: network transient")
}
