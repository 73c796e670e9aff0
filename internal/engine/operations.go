package engine

import (
	"context"

	"convsync/internal/auth"
	"convsync/internal/chat"
)

// Connect binds the engine to cred's viewer and opens the transport. See
// transport.Session.Connect for the returned errors.
func (e *Engine) Connect(ctx context.Context, cred auth.Credential) error {
	err := e.do(ctx, func() {
		e.viewer = cred.ViewerID
		if e.opts.NewAPI != nil {
			e.api = e.opts.NewAPI(cred)
		}
	})
	if err != nil {
		return err
	}
	return e.session.Connect(ctx, cred)
}

// Subscribe acquires the conversation's subscription for the viewer. l, if
// not nil, runs on the loop after the cache has absorbed each new message.
func (e *Engine) Subscribe(ctx context.Context, conversationID int64, l chat.Listener) (*chat.Handle, error) {
	var (
		h   *chat.Handle
		err error
	)
	if derr := e.do(ctx, func() { h, err = e.registry.Acquire(e.key(conversationID), l) }); derr != nil {
		return nil, derr
	}
	return h, err
}

func (e *Engine) Release(ctx context.Context, h *chat.Handle) error {
	return e.do(ctx, func() { e.registry.Release(h) })
}

// Send inserts an optimistic entry and publishes it. The returned message
// carries the client id used for Retry.
func (e *Engine) Send(ctx context.Context, conversationID int64, content string, typ chat.ContentType) (chat.Message, error) {
	var (
		m   chat.Message
		err error
	)
	if derr := e.do(ctx, func() { m, err = e.pipeline.Send(e.key(conversationID), content, typ) }); derr != nil {
		return chat.Message{}, derr
	}
	return m, err
}

// Retry republishes a failed send in place.
func (e *Engine) Retry(ctx context.Context, conversationID int64, clientID string) (chat.Message, error) {
	var (
		m   chat.Message
		err error
	)
	if derr := e.do(ctx, func() { m, err = e.pipeline.Retry(e.key(conversationID), clientID) }); derr != nil {
		return chat.Message{}, derr
	}
	return m, err
}

func (e *Engine) Messages(ctx context.Context, conversationID int64) ([]chat.Message, error) {
	var out []chat.Message
	err := e.do(ctx, func() { out = e.cache.Read(e.key(conversationID)) })
	return out, err
}

func (e *Engine) Summary(ctx context.Context, conversationID int64) (chat.Summary, bool, error) {
	var (
		s  chat.Summary
		ok bool
	)
	err := e.do(ctx, func() { s, ok = e.summary.Get(e.key(conversationID)) })
	return s, ok, err
}

// Summaries lists the viewer's conversations, most recent activity first.
func (e *Engine) Summaries(ctx context.Context) ([]chat.Summary, error) {
	var out []chat.Summary
	err := e.do(ctx, func() { out = e.summary.List(e.viewer) })
	return out, err
}

// LoadConversations refreshes summaries from the REST listing. Conversations
// whose cache is loaded keep their cache-derived numbers.
func (e *Engine) LoadConversations(ctx context.Context) error {
	client, viewer, err := e.client(ctx)
	if err != nil {
		return err
	}
	convs, err := client.ListConversations(ctx)
	if err != nil {
		return err
	}
	return e.do(ctx, func() {
		for _, c := range convs {
			e.summary.Upsert(viewer, c)
		}
	})
}

// LoadHistory seeds the conversation from the snapshot store and the newest
// REST history page. Sends restored from a snapshot that are still unmatched
// after the merge are marked failed. The snapshot is applied even when the
// REST call fails.
func (e *Engine) LoadHistory(ctx context.Context, conversationID int64) error {
	var (
		client API
		key    chat.Key
	)
	if err := e.do(ctx, func() { client, key = e.api, e.key(conversationID) }); err != nil {
		return err
	}

	var restored []chat.Message
	if e.opts.Store != nil {
		snap, err := e.opts.Store.Load(ctx, key)
		if err != nil {
			e.log.Warn("snapshot load failed", "conversation_id", conversationID, "err", err)
		}
		restored = snap
	}

	var (
		fetched []chat.Message
		ferr    error = ErrNoAPI
	)
	if client != nil {
		fetched, ferr = client.History(ctx, conversationID, 0, e.opts.HistoryPageSize)
	}
	if ferr != nil && len(restored) == 0 {
		return ferr
	}

	err := e.do(ctx, func() {
		if e.cache.Loaded(key) {
			restored = nil
		}
		msgs := make([]chat.Message, 0, len(restored)+len(fetched))
		msgs = append(append(msgs, restored...), fetched...)
		e.cache.Seed(key, msgs)
		for _, m := range restored {
			if !m.Pending() {
				continue
			}
			if cur, ok := e.cache.Find(key, m.ClientID); ok && cur.Pending() {
				e.cache.MarkFailed(key, m.ClientID)
			}
		}
	})
	if err != nil {
		return err
	}
	return ferr
}

// MarkRead zeroes the conversation's unread count locally, then records the
// receipt server-side.
func (e *Engine) MarkRead(ctx context.Context, conversationID int64) error {
	var client API
	if err := e.do(ctx, func() {
		e.cache.MarkRead(e.key(conversationID))
		client = e.api
	}); err != nil {
		return err
	}
	if client == nil {
		return ErrNoAPI
	}
	return client.MarkRead(ctx, conversationID)
}

func (e *Engine) client(ctx context.Context) (API, int64, error) {
	var (
		client API
		viewer int64
	)
	if err := e.do(ctx, func() { client, viewer = e.api, e.viewer }); err != nil {
		return nil, 0, err
	}
	if client == nil {
		return nil, 0, ErrNoAPI
	}
	return client, viewer, nil
}
