// Package cli is the command-line front end: one cobra command per user
// action, each driving the sync engine the way an interactive client would.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pliu/chattysync/internal/app"
	"github.com/pliu/chattysync/internal/config"
	"github.com/pliu/chattysync/internal/logger"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

const defaultConfigPath = "chatty.yaml"

// NewRootCmd builds the command tree. A fresh tree per call keeps flag state
// out of package globals.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatty",
		Short: "Chatty realtime chat client",
		Long: `chatty signs in to a Chatty backend, reads and writes conversation
history, and follows live updates over the realtime channel.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "config file path")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newHistoryCmd(),
		newSendCmd(),
		newEditCmd(),
		newDeleteCmd(),
		newReactCmd(),
		newTailCmd(),
	)
	return root
}

// Execute runs the CLI until the command finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// withApp loads config, builds the app and hands it to fn. The app is closed
// when fn returns.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path, cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	log, closeLog, err := newLogger(cmd, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer closeLog()

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Warn("close_failed", "error", cerr)
		}
	}()
	return fn(cmd.Context(), a)
}

func newLogger(cmd *cobra.Command, level string) (*slog.Logger, func() error, error) {
	if os.Getenv("CHATTY_LOG_SINK") != "" {
		return logger.New(level)
	}
	if level == "" {
		level = os.Getenv("CHATTY_LOG_LEVEL")
	}
	if level == "" {
		level = "warn"
	}
	return logger.NewWithWriter(cmd.ErrOrStderr(), level), func() error { return nil }, nil
}
