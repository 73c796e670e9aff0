package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"convsync/internal/chat"
	"convsync/internal/engine"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations with their last message and unread count",
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := current.connect(ctx)
		if err != nil {
			return err
		}
		defer c.shutdown()
		return runInbox(ctx, c, follow, cmd.OutOrStdout())
	},
}

func init() {
	inboxCmd.Flags().BoolP("follow", "f", false, "subscribe to every conversation and print updates")
	rootCmd.AddCommand(inboxCmd)
}

func runInbox(ctx context.Context, c *client, follow bool, out io.Writer) error {
	if err := c.LoadConversations(ctx); err != nil {
		return err
	}
	summaries, err := c.Summaries(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Fprintln(out, "no conversations")
	}
	for _, s := range summaries {
		fmt.Fprintln(out, formatSummary(s, c.viewer))
	}
	if !follow {
		return nil
	}

	updated := make(chan int64, 64)
	stopWatch := c.Watch(func(ev engine.Event) {
		if ev.Kind != engine.EventMessages || ev.Change.Outcome == chat.Unchanged {
			return
		}
		select {
		case updated <- ev.Change.Key.ConversationID:
		default:
		}
	})
	defer stopWatch()

	handles := make([]*chat.Handle, 0, len(summaries))
	defer func() {
		for _, h := range handles {
			_ = c.Release(context.WithoutCancel(ctx), h)
		}
	}()
	for _, s := range summaries {
		h, err := subscribeWhenConnected(ctx, c, s.ConversationID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handles = append(handles, h)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case conv := <-updated:
			s, ok, err := c.Summary(ctx, conv)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(out, formatSummary(s, c.viewer))
			}
		}
	}
}
