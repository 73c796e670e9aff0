package engine

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"convsync/internal/auth"
	"convsync/internal/chat"
	"convsync/internal/obs"
	"convsync/internal/reconnect"
	"convsync/internal/relay"
	"convsync/internal/store"
	"convsync/internal/transport"
	appErrors "convsync/pkg/errors"
)

const (
	alice int64 = 1
	bob   int64 = 2
	wait        = 3 * time.Second
	tick        = 10 * time.Millisecond
)

type harness struct {
	relay   *relay.Server
	http    *httptest.Server
	engine  *Engine
	metrics *obs.Metrics
	ctx     context.Context
	stop    context.CancelFunc // stops the engine loop
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	srv, err := relay.New(relay.Options{Secret: "engine-secret"})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	metrics := obs.NewMetrics()
	opts := Options{
		Transport: transport.Options{
			URL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
			Policy: reconnect.New(reconnect.Config{
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      1.5,
				Jitter:          0.1,
			}),
		},
		APIURL:     ts.URL,
		HTTPClient: ts.Client(),
		Metrics:    metrics,
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		e.Close()
		cancel()
		<-done
		ts.Close()
		srv.Close()
	})
	return &harness{relay: srv, http: ts, engine: e, metrics: metrics, ctx: context.Background(), stop: cancel}
}

func (h *harness) credential(t *testing.T, userID int64) auth.Credential {
	t.Helper()
	token, err := h.relay.Issue(userID, "user", time.Hour)
	require.NoError(t, err)
	cred, err := auth.Parse(token)
	require.NoError(t, err)
	return cred
}

func (h *harness) connect(t *testing.T, userID int64) {
	t.Helper()
	require.NoError(t, h.engine.Connect(h.ctx, h.credential(t, userID)))
}

func (h *harness) messages(t *testing.T, conv int64) []chat.Message {
	t.Helper()
	msgs, err := h.engine.Messages(h.ctx, conv)
	require.NoError(t, err)
	return msgs
}

func (h *harness) subscribed(t *testing.T, conv int64, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.relay.Subscribers(conv) == n }, wait, tick)
}

func inbound(id, conv, sender int64, content string) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":             id,
		"conversationId": conv,
		"senderId":       sender,
		"content":        content,
		"type":           "TEXT",
		"isRead":         false,
		"createdAt":      time.Date(2024, 5, 1, 12, 0, int(id%60), 0, time.UTC),
	})
	return b
}

func contents(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestOfflineSendIsKeptAsFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.http.Close()

	err := h.engine.Connect(h.ctx, auth.Credential{Token: "t", ViewerID: alice})
	require.ErrorIs(t, err, appErrors.ErrNotConnected)

	m, err := h.engine.Send(h.ctx, 7, "oi", chat.ContentText)
	require.ErrorIs(t, err, appErrors.ErrSendFailed)
	assert.ErrorIs(t, err, appErrors.ErrNotConnected)
	assert.True(t, m.Failed())

	msgs := h.messages(t, 7)
	require.Len(t, msgs, 1)
	assert.Equal(t, "oi", msgs[0].Content)
	assert.True(t, msgs[0].Failed())
	assert.Zero(t, msgs[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.FailedSends))
}

func TestSendReconcilesWithEcho(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.relay.CreateConversation(alice, bob)
	h.connect(t, alice)

	_, err := h.engine.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	h.subscribed(t, conv, 1)

	sent, err := h.engine.Send(h.ctx, conv, "oi", chat.ContentText)
	require.NoError(t, err)
	assert.True(t, sent.Pending())

	require.Eventually(t, func() bool {
		msgs := h.messages(t, conv)
		return len(msgs) == 1 && msgs[0].Confirmed()
	}, wait, tick)

	got := h.messages(t, conv)[0]
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, sent.ClientID, got.ClientID)

	s, ok, err := h.engine.Summary(h.ctx, conv)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, s.Unread, "own messages never count as unread")
	assert.Equal(t, "oi", s.LastMessage.Content)
}

func TestDuplicateFramesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.relay.CreateConversation(alice, bob)
	h.connect(t, alice)

	_, err := h.engine.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	h.subscribed(t, conv, 1)

	for _, id := range []int64{101, 102, 101} {
		h.relay.Inject(conv, inbound(id, conv, bob, "m"))
	}
	h.relay.Inject(conv, []byte(`{"id":"nope"}`))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.Frames.WithLabelValues("malformed")) == 1
	}, wait, tick)

	msgs := h.messages(t, conv)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(101), msgs[0].ID)
	assert.Equal(t, int64(102), msgs[1].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Frames.WithLabelValues("ingested")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Frames.WithLabelValues("duplicate")))
}

func TestReconnectResubscribesEveryHeldConversation(t *testing.T) {
	h := newHarness(t, nil)
	seven := h.relay.CreateConversation(alice, bob)
	nine := h.relay.CreateConversation(alice, bob)
	h.connect(t, alice)

	for _, conv := range []int64{seven, nine} {
		_, err := h.engine.Subscribe(h.ctx, conv, nil)
		require.NoError(t, err)
		h.subscribed(t, conv, 1)
	}

	h.relay.DropConnections()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ReconnectAttempts) >= 1 && h.engine.State() == transport.Connected
	}, wait, tick)

	// delivery on both topics proves the registry renewed them
	for _, conv := range []int64{seven, nine} {
		h.subscribed(t, conv, 1)
		_, err := h.relay.Post(h.ctx, conv, bob, "back")
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(h.messages(t, conv)) == 1
		}, wait, tick)
	}
}

func TestSubscriptionsAreReferenceCounted(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.relay.CreateConversation(alice, bob)
	h.connect(t, alice)

	var mu sync.Mutex
	var seenByFirst, seenBySecond int
	first, err := h.engine.Subscribe(h.ctx, conv, func(chat.Change) { mu.Lock(); seenByFirst++; mu.Unlock() })
	require.NoError(t, err)
	second, err := h.engine.Subscribe(h.ctx, conv, func(chat.Change) { mu.Lock(); seenBySecond++; mu.Unlock() })
	require.NoError(t, err)
	h.subscribed(t, conv, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveSubscriptions))

	require.NoError(t, h.engine.Release(h.ctx, first))
	_, err = h.relay.Post(h.ctx, conv, bob, "still here")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seenBySecond == 1
	}, wait, tick)
	mu.Lock()
	assert.Zero(t, seenByFirst)
	mu.Unlock()
	assert.Equal(t, 1, h.relay.Subscribers(conv))

	require.NoError(t, h.engine.Release(h.ctx, second))
	h.subscribed(t, conv, 0)
	assert.Zero(t, testutil.ToFloat64(h.metrics.ActiveSubscriptions))
}

func TestAuthenticationRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.relay.RejectAuth(true)

	err := h.engine.Connect(h.ctx, h.credential(t, alice))
	require.ErrorIs(t, err, appErrors.ErrAuthenticationRejected)
	assert.Equal(t, transport.Failed, h.engine.State())

	_, err = h.engine.Subscribe(h.ctx, 1, nil)
	assert.ErrorIs(t, err, appErrors.ErrNotConnected)
}

func TestRetryAfterFailure(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.relay.CreateConversation(alice, bob)
	cred := h.credential(t, alice)
	require.NoError(t, h.engine.Connect(h.ctx, cred))

	// lose the connection for good: the redial is refused
	h.relay.RejectAuth(true)
	h.relay.DropConnections()
	require.Eventually(t, func() bool { return h.engine.State() == transport.Failed }, wait, tick)

	failed, err := h.engine.Send(h.ctx, conv, "again", chat.ContentText)
	require.ErrorIs(t, err, appErrors.ErrSendFailed)

	h.relay.RejectAuth(false)
	require.NoError(t, h.engine.Connect(h.ctx, cred))
	_, err = h.engine.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	h.subscribed(t, conv, 1)

	retried, err := h.engine.Retry(h.ctx, conv, failed.ClientID)
	require.NoError(t, err)
	assert.True(t, retried.Pending())

	require.Eventually(t, func() bool {
		msgs := h.messages(t, conv)
		return len(msgs) == 1 && msgs[0].Confirmed()
	}, wait, tick)

	_, err = h.engine.Retry(h.ctx, conv, failed.ClientID)
	assert.ErrorIs(t, err, appErrors.ErrPendingNotFound)
}

func TestUnreadAndMarkRead(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.relay.CreateConversation(alice, bob)
	h.connect(t, alice)
	_, err := h.engine.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	h.subscribed(t, conv, 1)

	var last int64
	for _, content := range []string{"one", "two"} {
		last, err = h.relay.Post(h.ctx, conv, bob, content)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		s, ok, _ := h.engine.Summary(h.ctx, conv)
		return ok && s.Unread == 2
	}, wait, tick)

	require.NoError(t, h.engine.MarkRead(h.ctx, conv))
	s, _, err := h.engine.Summary(h.ctx, conv)
	require.NoError(t, err)
	assert.Zero(t, s.Unread)
	assert.Equal(t, "two", s.LastMessage.Content)
	for _, m := range h.messages(t, conv) {
		assert.True(t, m.IsRead)
	}
	assert.Equal(t, last, h.relay.ReadMark(conv, alice))
}

func TestLoadConversationsThenHistory(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.relay.CreateConversation(alice, bob)
	for _, content := range []string{"a", "b", "c"} {
		_, err := h.relay.Post(h.ctx, conv, bob, content)
		require.NoError(t, err)
	}
	h.connect(t, alice)

	require.NoError(t, h.engine.LoadConversations(h.ctx))
	list, err := h.engine.Summaries(h.ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Unread)
	assert.Equal(t, []int64{alice, bob}, list[0].Participants)

	require.NoError(t, h.engine.LoadHistory(h.ctx, conv))
	assert.Equal(t, []string{"a", "b", "c"}, contents(h.messages(t, conv)))

	s, _, err := h.engine.Summary(h.ctx, conv)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Unread)
	assert.Equal(t, "c", s.LastMessage.Content)
}

func TestResyncOnReconnect(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ResyncOnReconnect = true })
	conv := h.relay.CreateConversation(alice, bob)
	_, err := h.relay.Post(h.ctx, conv, bob, "missed")
	require.NoError(t, err)

	h.connect(t, alice)
	_, err = h.engine.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	h.subscribed(t, conv, 1)
	assert.Empty(t, h.messages(t, conv))

	h.relay.DropConnections()
	require.Eventually(t, func() bool {
		return len(h.messages(t, conv)) == 1
	}, wait, tick)
	assert.Equal(t, "missed", h.messages(t, conv)[0].Content)
}

func TestWarmStartFromStore(t *testing.T) {
	mr := miniredis.RunT(t)
	snapshots := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
	t.Cleanup(func() { snapshots.Close() })

	h := newHarness(t, func(o *Options) { o.Store = snapshots })
	conv := h.relay.CreateConversation(alice, bob)
	delivered, err := h.relay.Post(h.ctx, conv, alice, "made it")
	require.NoError(t, err)

	created := time.Now().Add(-time.Minute).UTC()
	key := chat.Key{ConversationID: conv, ViewerID: alice}
	require.NoError(t, snapshots.Save(h.ctx, key, []chat.Message{
		{ClientID: "c-made-it", ConversationID: conv, SenderID: alice, Content: "made it", Type: chat.ContentText, CreatedAt: created, Status: chat.StatusPending},
		{ClientID: "c-lost", ConversationID: conv, SenderID: alice, Content: "lost", Type: chat.ContentText, CreatedAt: created.Add(time.Second), Status: chat.StatusPending},
	}))

	h.connect(t, alice)
	require.NoError(t, h.engine.LoadHistory(h.ctx, conv))

	msgs := h.messages(t, conv)
	require.Len(t, msgs, 2)
	byContent := map[string]chat.Message{}
	for _, m := range msgs {
		byContent[m.Content] = m
	}
	assert.Equal(t, delivered, byContent["made it"].ID)
	assert.True(t, byContent["made it"].Confirmed())
	assert.Equal(t, "c-made-it", byContent["made it"].ClientID)
	assert.True(t, byContent["lost"].Failed())

	// the merged sequence is written back off the loop
	require.Eventually(t, func() bool {
		saved, err := snapshots.Load(h.ctx, key)
		return err == nil && len(saved) == 2 && saved[0].Confirmed() != saved[1].Confirmed()
	}, wait, tick)
}

func TestWatchSeesStateAndMessages(t *testing.T) {
	h := newHarness(t, nil)
	conv := h.relay.CreateConversation(alice, bob)

	var mu sync.Mutex
	var states []transport.State
	var changes []chat.Outcome
	h.engine.Watch(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Kind {
		case EventState:
			states = append(states, ev.State)
		case EventMessages:
			changes = append(changes, ev.Change.Outcome)
		}
	})

	h.connect(t, alice)
	_, err := h.engine.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	h.subscribed(t, conv, 1)
	_, err = h.engine.Send(h.ctx, conv, "hello", chat.ContentText)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 2
	}, wait, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []chat.Outcome{chat.Appended, chat.Replaced}, changes)
	assert.Equal(t, []transport.State{transport.Connecting, transport.Connected}, states)
}

func TestStoppedEngine(t *testing.T) {
	e := New(Options{Transport: transport.Options{URL: "ws://127.0.0.1:1/ws"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, e.Run(ctx), context.Canceled)

	_, err := e.Messages(context.Background(), 1)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSharedSessionKeepsEachEngineOnItsOwnLoop(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Shared = true })
	conv := h.relay.CreateConversation(alice, bob)
	h.connect(t, alice)

	second := New(Options{
		Transport: transport.Options{URL: "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"},
		Shared:    true,
	})
	require.Same(t, h.engine.Session(), second.Session())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		second.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, second.Connect(h.ctx, h.credential(t, alice)))

	_, err := h.engine.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	_, err = second.Subscribe(h.ctx, conv, nil)
	require.NoError(t, err)
	h.subscribed(t, conv, 2)

	secondMessages := func() []chat.Message {
		msgs, err := second.Messages(h.ctx, conv)
		require.NoError(t, err)
		return msgs
	}

	_, err = h.relay.Post(h.ctx, conv, bob, "to both")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(h.messages(t, conv)) == 1 && len(secondMessages()) == 1
	}, wait, tick)

	// the first engine going away must not starve the second
	h.stop()
	_, err = h.relay.Post(h.ctx, conv, bob, "after stop")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(secondMessages()) == 2 }, wait, tick)
	assert.Equal(t, []string{"to both", "after stop"}, contents(secondMessages()))
}
