package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"convsync/internal/api"
	"convsync/internal/auth"
	"convsync/internal/chat"
	"convsync/internal/engine"
)

const loadPassword = "password123"

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Drive pairs of clients against a server and report echo latency",
	Long: `Registers pairs of users, starts a conversation per pair and has both
sides send messages through their own engine. Every send is counted once
its echo reconciles the optimistic entry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pairs, _ := cmd.Flags().GetInt("pairs")
		msgs, _ := cmd.Flags().GetInt("messages")
		interval, _ := cmd.Flags().GetDuration("interval")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res := runLoadTest(ctx, loadPlan{pairs: pairs, messages: msgs, interval: interval})
		res.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("pairs", 50, "number of user pairs")
	loadtestCmd.Flags().Int("messages", 20, "messages per user")
	loadtestCmd.Flags().Duration("interval", 10*time.Millisecond, "pause between sends")
	loadtestCmd.Flags().Duration("timeout", 2*time.Minute, "give up after this long")
	rootCmd.AddCommand(loadtestCmd)
}

type loadPlan struct {
	pairs    int
	messages int
	interval time.Duration
	// prefix keeps usernames apart between runs against one server
	prefix string
}

type loadResult struct {
	pairs     atomic.Int64 // pairs that got as far as sending
	sent      atomic.Int64
	confirmed atomic.Int64
	failed    atomic.Int64
	echoNanos atomic.Int64
}

func (r *loadResult) print(out io.Writer) {
	avg := time.Duration(0)
	if n := r.confirmed.Load(); n > 0 {
		avg = time.Duration(r.echoNanos.Load() / n)
	}
	fmt.Fprintf(out, "pairs %d  sent %d  confirmed %d  failed %d  avg echo %s\n",
		r.pairs.Load(), r.sent.Load(), r.confirmed.Load(), r.failed.Load(), avg.Round(time.Microsecond))
}

func runLoadTest(ctx context.Context, plan loadPlan) *loadResult {
	if plan.prefix == "" {
		plan.prefix = fmt.Sprintf("lt%d", time.Now().Unix())
	}
	current.log.Info("starting load test", "pairs", plan.pairs, "messages", plan.messages)

	res := &loadResult{}
	var wg sync.WaitGroup
	for i := 0; i < plan.pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()
			if err := runPair(ctx, plan, pair, res); err != nil {
				current.log.Warn("pair aborted", "pair", pair, "err", err)
			}
		}(i)
	}
	wg.Wait()
	current.log.Info("load test complete", "confirmed", res.confirmed.Load())
	return res
}

func runPair(ctx context.Context, plan loadPlan, pair int, res *loadResult) error {
	credA, err := authenticate(ctx, fmt.Sprintf("%s_%d_a", plan.prefix, pair))
	if err != nil {
		return err
	}
	credB, err := authenticate(ctx, fmt.Sprintf("%s_%d_b", plan.prefix, pair))
	if err != nil {
		return err
	}

	conv, err := api.New(current.cfg.Server.APIURL, credA, nil).StartConversation(ctx, credB.ViewerID)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	a, err := current.start(ctx, credA, nil, false)
	if err != nil {
		return err
	}
	defer a.shutdown()
	b, err := current.start(ctx, credB, nil, false)
	if err != nil {
		return err
	}
	defer b.shutdown()

	res.pairs.Add(1)
	var wg sync.WaitGroup
	for _, c := range []*client{a, b} {
		wg.Add(1)
		go func(c *client) {
			defer wg.Done()
			if err := spam(ctx, c, conv.ID, plan, res); err != nil {
				current.log.Warn("sender stopped", "viewer_id", c.viewer, "err", err)
			}
		}(c)
	}
	wg.Wait()
	return nil
}

// authenticate registers username (if new) and logs in.
func authenticate(ctx context.Context, username string) (auth.Credential, error) {
	base := current.cfg.Server.APIURL
	if err := api.Register(ctx, base, username, loadPassword, nil); err != nil {
		return auth.Credential{}, fmt.Errorf("register %s: %w", username, err)
	}
	res, err := api.Login(ctx, base, username, loadPassword, nil)
	if err != nil {
		return auth.Credential{}, fmt.Errorf("login %s: %w", username, err)
	}
	return auth.Parse(res.AccessToken)
}

// spam sends plan.messages and waits for each to be confirmed or failed.
func spam(ctx context.Context, c *client, conv int64, plan loadPlan, res *loadResult) error {
	var (
		mu      sync.Mutex
		sentAt  = make(map[string]time.Time)
		settled = make(chan struct{}, plan.messages)
	)
	settle := func(clientID string, ok bool) {
		mu.Lock()
		at, found := sentAt[clientID]
		delete(sentAt, clientID)
		mu.Unlock()
		if !found {
			return
		}
		if ok {
			res.confirmed.Add(1)
			res.echoNanos.Add(int64(time.Since(at)))
		} else {
			res.failed.Add(1)
		}
		settled <- struct{}{}
	}
	stopWatch := c.Watch(func(ev engine.Event) {
		switch {
		case ev.Kind == engine.EventMessages && ev.Change.Outcome == chat.Appended && ev.Change.Message.Pending():
			// optimistic insert; runs on the loop before its echo can
			mu.Lock()
			sentAt[ev.Change.Message.ClientID] = time.Now()
			mu.Unlock()
		case ev.Kind == engine.EventMessages && ev.Change.Outcome == chat.Replaced:
			settle(ev.Change.Previous.ClientID, true)
		case ev.Kind == engine.EventSendFailed:
			settle(ev.ClientID, false)
		}
	})
	defer stopWatch()

	h, err := c.Subscribe(ctx, conv, nil)
	if err != nil {
		return err
	}
	defer func() { _ = c.Release(context.WithoutCancel(ctx), h) }()

	for i := 0; i < plan.messages; i++ {
		if _, err := c.Send(ctx, conv, fmt.Sprintf("load test message %d from %d", i, c.viewer), chat.ContentText); err != nil {
			return err
		}
		res.sent.Add(1)

		select {
		case <-time.After(plan.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for i := 0; i < plan.messages; i++ {
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
