package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pliu/chattysync/internal/app"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLoginCmd() *cobra.Command {
	var password, code string
	cmd := &cobra.Command{
		Use:   "login <identifier>",
		Short: "Sign in and store the credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				in := bufio.NewReader(cmd.InOrStdin())
				var err error
				if password == "" {
					if password, err = readSecret(cmd, in, "Password: "); err != nil {
						return err
					}
				}

				resp, err := a.Auth.Authenticate(ctx, args[0], password)
				if err != nil {
					return fmt.Errorf("login failed: %w", err)
				}
				if resp.RequiresMFA {
					if code == "" {
						if code, err = readSecret(cmd, in, "Verification code: "); err != nil {
							return err
						}
					}
					if _, err = a.Auth.VerifySecondFactor(ctx, resp.MFASessionID, code); err != nil {
						return fmt.Errorf("verification failed: %w", err)
					}
				}
				if err := a.RequireLogin(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", a.Creds.Get().UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	cmd.Flags().StringVar(&code, "code", "", "second-factor code (prompted when required)")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.RequireLogin(); err != nil {
					fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
					return nil
				}
				// the local credential is gone even when the server call fails
				if err := a.Engine.Logout(ctx); err != nil {
					a.Logger.Warn("logout_request_failed", "error", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

// readSecret reads a masked line from the terminal, or a plain line when
// stdin is redirected.
func readSecret(cmd *cobra.Command, in *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("no input")
	}
	return line, nil
}
