package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chattysync/internal/app"
	"github.com/pliu/chattysync/internal/engine"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newTailCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "tail <conversation>",
		Short: "Follow a conversation live until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.RequireLogin(); err != nil {
					return err
				}
				if metricsAddr != "" {
					stop := serveMetrics(a, metricsAddr)
					defer stop()
				}
				return tail(ctx, a, args[0], cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

// printer renders timeline changes as a line log: new and changed messages
// are printed, removed ones are announced once.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]string
}

func (p *printer) timeline(a *app.App, conv string) {
	view := a.Engine.Timeline(conv)
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	present := make(map[string]bool, len(view.Messages))
	for _, m := range view.Messages {
		if m.Pending {
			continue
		}
		present[m.ID] = true
		line := formatMessage(m, now)
		if p.seen[m.ID] == line {
			continue
		}
		p.seen[m.ID] = line
		fmt.Fprintln(p.out, line)
	}
	for id := range p.seen {
		if !present[id] {
			delete(p.seen, id)
			fmt.Fprintf(p.out, "%s  deleted\n", id)
		}
	}
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func tail(ctx context.Context, a *app.App, conv string, out io.Writer) error {
	p := &printer{out: out, seen: make(map[string]string)}
	terminal := make(chan error, 1)

	unsubscribe := a.Engine.Subscribe(func(c engine.Change) {
		switch c.Kind {
		case engine.TimelineChanged:
			if c.ConversationID == conv {
				p.timeline(a, conv)
			}
		case engine.StatusChanged:
			if c.Status != nil {
				p.line("-- %s (attempt %d/%d)", c.Status.State, c.Status.Attempt, c.Status.MaxAttempts)
			}
		case engine.TypingChanged:
			if c.Typing != nil && c.Typing.IsTyping {
				p.line("-- %s is typing", c.Typing.UserID)
			}
		case engine.OperationFailed:
			p.line("-- operation failed: %v", c.Err)
		case engine.AuthTerminated:
			select {
			case terminal <- c.Err:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := a.Engine.OpenConversation(ctx, conv); err != nil {
		return err
	}
	p.timeline(a, conv)

	select {
	case <-ctx.Done():
		return nil
	case err := <-terminal:
		return fmt.Errorf("session ended: %w", err)
	}
}

func serveMetrics(a *app.App, addr string) func() {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("metrics_server_failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
