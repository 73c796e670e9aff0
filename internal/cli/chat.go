package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"convsync/internal/chat"
	"convsync/internal/engine"
	"convsync/internal/transport"
	appErrors "convsync/pkg/errors"
)

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Open a conversation and chat in it",
	Long: `Loads the conversation's history, subscribes to it and sends every line
typed on stdin. Type /help for the other commands.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := parseConversationID(args[0])
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c, err := current.connect(ctx)
		if err != nil {
			return err
		}
		defer c.shutdown()
		return runChat(ctx, c, conv, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// console serializes writes from the loop and the input goroutine.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *console) println(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func runChat(ctx context.Context, c *client, conv int64, in io.Reader, out io.Writer) error {
	con := &console{out: out}

	historyErr := c.LoadHistory(ctx, conv)
	if historyErr != nil {
		current.log.Warn("history unavailable", "conversation_id", conv, "err", historyErr)
	}
	printHistory(ctx, c, conv, con)

	stopWatch := c.Watch(func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventMessages:
			if ev.Change.Key.ConversationID == conv && ev.Change.Outcome == chat.Appended {
				con.println("%s", formatMessage(ev.Change.Message, c.viewer))
			}
		case engine.EventSendFailed:
			con.println("! not delivered: %v (/retry %s)", ev.Err, ev.ClientID)
		case engine.EventState:
			con.println("-- %s", ev.State)
		}
	})
	defer stopWatch()

	h, err := subscribeWhenConnected(ctx, c, conv)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() { _ = c.Release(context.WithoutCancel(ctx), h) }()

	if historyErr != nil {
		if err := c.LoadHistory(ctx, conv); err == nil {
			printHistory(ctx, c, conv, con)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			cmd, err := parseCommand(line)
			if err != nil {
				con.println("%v", err)
				continue
			}
			if cmd.kind == cmdQuit {
				return nil
			}
			if err := runCommand(ctx, c, conv, cmd, con); err != nil {
				con.println("! %v", err)
			}
		}
	}
}

func runCommand(ctx context.Context, c *client, conv int64, cmd command, con *console) error {
	switch cmd.kind {
	case cmdSend:
		_, err := c.Send(ctx, conv, cmd.text, cmd.typ)
		return err
	case cmdRetry:
		_, err := c.Retry(ctx, conv, cmd.clientID)
		return err
	case cmdRead:
		return c.MarkRead(ctx, conv)
	case cmdHistory:
		printHistory(ctx, c, conv, con)
	case cmdHelp:
		con.println("%s", chatHelp)
	}
	return nil
}

func printHistory(ctx context.Context, c *client, conv int64, con *console) {
	msgs, err := c.Messages(ctx, conv)
	if err != nil {
		con.println("! %v", err)
		return
	}
	for _, m := range msgs {
		con.println("%s", formatMessage(m, c.viewer))
	}
}

// subscribeWhenConnected acquires conv, waiting for the transport whenever
// it is not connected. The registry does not queue, so the retry lives here.
func subscribeWhenConnected(ctx context.Context, c *client, conv int64) (*chat.Handle, error) {
	for {
		h, err := c.Subscribe(ctx, conv, nil)
		if !errors.Is(err, appErrors.ErrNotConnected) {
			return h, err
		}
		current.log.Info("waiting for connection", "conversation_id", conv, "state", c.State().String())
		if err := c.Session().WaitFor(ctx, transport.Connected); err != nil {
			return nil, err
		}
	}
}
