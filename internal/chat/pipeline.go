package chat

import (
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	appErrors "convsync/pkg/errors"
)

// Publisher is the slice of the transport session the pipeline needs.
// onFailure fires later if an accepted frame never reaches the wire.
type Publisher interface {
	PublishTracked(destination string, payload any, onFailure func(error)) error
}

type PipelineOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
	// OnFailed is called whenever an entry ends up Failed.
	OnFailed func(key Key, clientID string, err error)
}

// Pipeline inserts optimistic entries and publishes them. Reconciliation with
// the server echo happens in the cache, never here.
type Pipeline struct {
	cache *Cache
	pub   Publisher
	opts  PipelineOptions
}

func NewPipeline(cache *Cache, pub Publisher, opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Pipeline{cache: cache, pub: pub, opts: opts}
}

// Send records a pending entry for the viewer in key and publishes it. It
// returns without waiting for the echo. If publish fails synchronously the
// entry stays in the cache marked Failed and a SendFailed error is returned.
func (p *Pipeline) Send(key Key, content string, typ ContentType) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, appErrors.ErrEmptyContent
	}
	if !typ.Valid() {
		return Message{}, appErrors.ErrUnknownContentType
	}

	m := Message{
		ClientID:       p.opts.NewID(),
		ConversationID: key.ConversationID,
		SenderID:       key.ViewerID,
		Content:        content,
		Type:           typ,
		CreatedAt:      p.opts.Now(),
		Status:         StatusPending,
	}
	p.cache.Ingest(key, m)
	return p.publish(key, m)
}

// Retry re-publishes a Failed entry in place.
func (p *Pipeline) Retry(key Key, clientID string) (Message, error) {
	ch, ok := p.cache.MarkPending(key, clientID)
	if !ok {
		return Message{}, appErrors.ErrPendingNotFound
	}
	return p.publish(key, ch.Message)
}

func (p *Pipeline) publish(key Key, m Message) (Message, error) {
	env := Envelope{
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Type:           m.Type,
		ClientID:       m.ClientID,
	}
	err := p.pub.PublishTracked(SendDestination, env, func(err error) {
		p.fail(key, m.ClientID, err)
	})
	if err != nil {
		p.fail(key, m.ClientID, err)
		m.Status = StatusFailed
		return m, appErrors.SendFailed(err)
	}
	return m, nil
}

func (p *Pipeline) fail(key Key, clientID string, err error) {
	// the echo may have won the race; confirmed entries are never downgraded
	if _, ok := p.cache.MarkFailed(key, clientID); !ok {
		return
	}
	p.opts.Logger.Warn("send failed", "conversation_id", key.ConversationID, "client_id", clientID, "err", err)
	if p.opts.OnFailed != nil {
		p.opts.OnFailed(key, clientID, err)
	}
}
