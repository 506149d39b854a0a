package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hako/durafmt"
	"github.com/pliu/chattysync/internal/app"
	"github.com/pliu/chattysync/internal/engine"
	"github.com/pliu/chattysync/internal/models"
	"github.com/spf13/cobra"
)

var units, _ = durafmt.UnitsCoder{PluralSep: ":", UnitsSep: ","}.Decode("y:y,w:w,d:d,h:h,m:m,s:s,ms:ms,us:us")

func newHistoryCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history <conversation>",
		Short: "Print recent messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.RequireLogin(); err != nil {
					return err
				}
				conv := args[0]
				if err := a.Engine.OpenConversation(ctx, conv); err != nil {
					return err
				}
				for i := 1; i < pages && a.Engine.Timeline(conv).HasMore; i++ {
					if err := a.Engine.LoadOlder(ctx, conv); err != nil {
						return err
					}
				}
				view := a.Engine.Timeline(conv)
				now := time.Now()
				for _, m := range view.Messages {
					printMessage(cmd.OutOrStdout(), m, now)
				}
				if view.HasMore {
					fmt.Fprintln(cmd.OutOrStdout(), "(older messages available, use --pages)")
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of history pages to load")
	return cmd
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <text>...",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.RequireLogin(); err != nil {
					return err
				}
				op, err := a.Engine.SendOptimistic(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				if err := op.Wait(ctx); err != nil {
					return fmt.Errorf("send failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", op.Message().ID)
				return nil
			})
		},
	}
}

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <conversation> <message-id> <text>...",
		Short: "Replace the text of one of your messages",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], args[1], "edited", func(ctx context.Context, e *engine.Engine) (*engine.Operation, error) {
				return e.EditOptimistic(ctx, args[0], args[1], strings.Join(args[2:], " "))
			})
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation> <message-id>",
		Short: "Delete one of your messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], args[1], "deleted", func(ctx context.Context, e *engine.Engine) (*engine.Operation, error) {
				return e.DeleteOptimistic(ctx, args[0], args[1])
			})
		},
	}
}

func newReactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "react <conversation> <message-id> <emoji>",
		Short: "Toggle your reaction on a message",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, args[0], args[1], "toggled "+args[2]+" on", func(ctx context.Context, e *engine.Engine) (*engine.Operation, error) {
				return e.ReactOptimistic(ctx, args[0], args[1], args[2])
			})
		},
	}
}

// mutate loads history until messageID is in the timeline, then runs the
// optimistic operation and waits for the server's answer.
func mutate(cmd *cobra.Command, conv, messageID, verb string, run func(context.Context, *engine.Engine) (*engine.Operation, error)) error {
	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		if err := a.RequireLogin(); err != nil {
			return err
		}
		if err := findMessage(ctx, a.Engine, conv, messageID); err != nil {
			return err
		}
		op, err := run(ctx, a.Engine)
		if err != nil {
			return err
		}
		if err := op.Wait(ctx); err != nil {
			return fmt.Errorf("%s failed: %w", op.Kind, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, messageID)
		return nil
	})
}

func findMessage(ctx context.Context, e *engine.Engine, conv, id string) error {
	if err := e.OpenConversation(ctx, conv); err != nil {
		return err
	}
	for {
		view := e.Timeline(conv)
		for _, m := range view.Messages {
			if m.ID == id {
				return nil
			}
		}
		if !view.HasMore {
			return fmt.Errorf("message %s not found in %s", id, conv)
		}
		if err := e.LoadOlder(ctx, conv); err != nil {
			return err
		}
	}
}

func printMessage(w io.Writer, m models.Message, now time.Time) {
	fmt.Fprintln(w, formatMessage(m, now))
}

func formatMessage(m models.Message, now time.Time) string {
	var b strings.Builder
	age := strings.Replace(durafmt.ParseShort(now.Sub(m.SentAt).Truncate(time.Minute)).Format(units), "0 s", "now", 1)
	fmt.Fprintf(&b, "%s  %-8s %s: %s", m.ID, age, m.AuthorID, content(m))
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	if m.Pending {
		b.WriteString(" (sending)")
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for emoji := range m.Reactions {
			emojis = append(emojis, emoji)
		}
		sort.Strings(emojis)
		parts := make([]string, 0, len(emojis))
		for _, emoji := range emojis {
			r := m.Reactions[emoji]
			mark := ""
			if r.SelfReacted {
				mark = "*"
			}
			parts = append(parts, fmt.Sprintf("%s %d%s", emoji, r.Count, mark))
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, ", "))
	}
	return b.String()
}

func content(m models.Message) string {
	var s string
	switch m.Kind {
	case models.KindImage:
		s = fmt.Sprintf("[%d image(s)] %s", len(m.Attachments), m.Body)
	case models.KindFile:
		s = fmt.Sprintf("[file %s] %s", m.FileName, m.Body)
	case models.KindMixed:
		s = fmt.Sprintf("[%d attachment(s)] %s", len(m.Attachments), m.Body)
	default:
		return m.Body
	}
	return strings.TrimSpace(s)
}
