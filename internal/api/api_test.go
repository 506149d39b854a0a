package api_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pliu/chattysync/internal/api"
	"github.com/pliu/chattysync/internal/auth"
	"github.com/pliu/chattysync/internal/backendtest"
	"github.com/pliu/chattysync/internal/gateway"
	"github.com/pliu/chattysync/internal/logger"
	"github.com/pliu/chattysync/internal/models"
	"github.com/pliu/chattysync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*backendtest.Server, *gateway.Gateway, *api.AuthService, *api.MessageService) {
	t.Helper()
	srv := backendtest.New()
	t.Cleanup(srv.Close)
	creds := auth.NewCredentialStore(nil, []byte("k"), logger.Discard())
	gw := gateway.New(creds, gateway.Options{BaseURL: srv.URL, Timeout: 5 * time.Second, Logger: logger.Discard()})
	authSvc := api.NewAuthService(gw)
	gw.SetRefresher(authSvc)
	return srv, gw, authSvc, api.NewMessageService(gw)
}

func TestAuthenticate(t *testing.T) {
	srv, gw, authSvc, _ := setup(t)
	srv.AddUser("alice", "s3cret", "u1", false)

	_, err := authSvc.Authenticate(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, syncerr.ErrAuthRejected)
	require.Nil(t, gw.Credentials().Get())

	resp, err := authSvc.Authenticate(context.Background(), "alice", "s3cret")
	require.NoError(t, err)
	require.True(t, resp.Authenticated)

	cred := gw.Credentials().Get()
	require.NotNil(t, cred)
	require.Equal(t, "u1", cred.UserID)
	require.NotEmpty(t, cred.RefreshToken)
	require.NotNil(t, cred.ExpiresAt)
	require.False(t, gw.Credentials().IsExpired(time.Now()))
}

func TestSecondFactor(t *testing.T) {
	srv, gw, authSvc, _ := setup(t)
	srv.AddUser("bob", "pw", "u2", true)

	resp, err := authSvc.Authenticate(context.Background(), "bob", "pw")
	require.NoError(t, err)
	require.True(t, resp.RequiresMFA)
	require.NotEmpty(t, resp.MFASessionID)
	require.Nil(t, gw.Credentials().Get())

	_, err = authSvc.VerifySecondFactor(context.Background(), resp.MFASessionID, "000000")
	require.ErrorIs(t, err, syncerr.ErrAuthRejected)

	_, err = authSvc.VerifySecondFactor(context.Background(), resp.MFASessionID, backendtest.MFACode)
	require.NoError(t, err)
	require.Equal(t, "u2", gw.Credentials().Get().UserID)
}

func TestRefreshKeepsRefreshToken(t *testing.T) {
	srv, gw, authSvc, _ := setup(t)
	_, refresh := srv.Login("u1")

	cred, err := authSvc.Refresh(context.Background(), refresh)
	require.NoError(t, err)
	require.NotEmpty(t, cred.Token)
	require.Equal(t, refresh, cred.RefreshToken)
	require.Nil(t, gw.Credentials().Get(), "refresh leaves storing to the gateway")

	srv.RejectRefresh(true)
	_, err = authSvc.Refresh(context.Background(), refresh)
	require.ErrorIs(t, err, api.ErrNotAuthenticated)
}

func TestLogoutClearsCredential(t *testing.T) {
	srv, gw, authSvc, _ := setup(t)
	srv.AddUser("alice", "pw", "u1", false)
	_, err := authSvc.Authenticate(context.Background(), "alice", "pw")
	require.NoError(t, err)

	require.NoError(t, authSvc.Logout(context.Background()))
	require.Nil(t, gw.Credentials().Get())
}

func TestMessageLifecycle(t *testing.T) {
	srv, gw, _, msgs := setup(t)
	access, refresh := srv.Login("u1")
	require.NoError(t, gw.Credentials().Set(models.Credential{Token: access, RefreshToken: refresh, UserID: "u1"}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := msgs.SendMessage(ctx, api.SendMessageRequest{ChannelID: "c1", MessageType: models.KindText, TextContent: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	page, err := msgs.FetchHistory(ctx, "c1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)
	require.Equal(t, "m1", page.Items[0].Body)

	older, err := msgs.FetchHistory(ctx, "c1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, older.Items, 1)
	require.False(t, older.HasMore)

	target := page.Items[1].ID
	edited, err := msgs.EditMessage(ctx, target, "changed")
	require.NoError(t, err)
	require.Equal(t, "changed", edited.Body)
	require.NotNil(t, edited.EditedAt)

	require.NoError(t, msgs.ToggleReaction(ctx, target, "👍"))
	stored := srv.Messages("c1")
	require.Equal(t, 1, stored[2].Reactions["👍"].Count)

	require.NoError(t, msgs.DeleteMessage(ctx, target))
	require.Len(t, srv.Messages("c1"), 2)

	err = msgs.DeleteMessage(ctx, target)
	require.ErrorIs(t, err, syncerr.ErrValidationRejected)
	require.Equal(t, 404, syncerr.Status(err))
}

func TestEditingSomeoneElsesMessageIsRejected(t *testing.T) {
	srv, gw, _, msgs := setup(t)
	srv.Seed("c1", models.Message{ID: "theirs", AuthorID: "u9", Kind: models.KindText, Body: "x", SentAt: time.Now()})
	access, _ := srv.Login("u1")
	require.NoError(t, gw.Credentials().Set(models.Credential{Token: access, UserID: "u1"}))

	_, err := msgs.EditMessage(context.Background(), "theirs", "mine now")
	require.ErrorIs(t, err, syncerr.ErrValidationRejected)
	require.Equal(t, 403, syncerr.Status(err))
}
