package store

import (
	"context"
	"log/slog"
	"sync"

	"convsync/internal/chat"
)

// Persister saves snapshots off the engine loop. Enqueue never blocks and
// keeps only the newest snapshot per key.
type Persister struct {
	store Store
	log   *slog.Logger

	mu      sync.Mutex
	pending map[chat.Key][]chat.Message
	wake    chan struct{}
}

func NewPersister(s Store, log *slog.Logger) *Persister {
	if log == nil {
		log = slog.Default()
	}
	return &Persister{
		store:   s,
		log:     log.With("component", "persister"),
		pending: make(map[chat.Key][]chat.Message),
		wake:    make(chan struct{}, 1),
	}
}

func (p *Persister) Enqueue(key chat.Key, msgs []chat.Message) {
	p.mu.Lock()
	p.pending[key] = msgs
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run saves queued snapshots until ctx is done, then flushes what is left.
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-p.wake:
			p.flush(ctx)
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx))
			return
		}
	}
}

func (p *Persister) flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[chat.Key][]chat.Message)
	p.mu.Unlock()

	for key, msgs := range batch {
		saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
		if err := p.store.Save(saveCtx, key, msgs); err != nil {
			p.log.Warn("snapshot save failed", "conversation_id", key.ConversationID, "viewer_id", key.ViewerID, "err", err)
		}
		cancel()
	}
}
