package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"convsync/internal/chat"
	"convsync/internal/wire"
)

// record is a stored message as the relay serves it.
type record struct {
	ID             int64            `json:"id"`
	ConversationID int64            `json:"conversationId"`
	SenderID       int64            `json:"senderId"`
	Content        string           `json:"content"`
	Type           chat.ContentType `json:"type"`
	IsRead         bool             `json:"isRead"`
	CreatedAt      time.Time        `json:"createdAt"`
	ClientID       string           `json:"clientId,omitempty"`
}

type conversation struct {
	id           int64
	participants map[int64]bool
	history      []record
	readUpTo     map[int64]int64 // viewer → highest id marked read
}

func (c *conversation) members() []int64 {
	ids := make([]int64, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// view renders r for viewer, with the read flag resolved from read marks.
func (c *conversation) view(r record, viewer int64) record {
	r.IsRead = r.SenderID == viewer || r.ID <= c.readUpTo[viewer]
	r.ClientID = ""
	return r
}

func (c *conversation) unread(viewer int64) int {
	n := 0
	for _, r := range c.history {
		if r.SenderID != viewer && r.ID > c.readUpTo[viewer] {
			n++
		}
	}
	return n
}

type inbound struct {
	peer  *peer
	frame wire.Frame
	err   error
}

// fanout carries accepted messages to every relay instance, this one included.
type fanout interface {
	nextID(ctx context.Context) (int64, error)
	publish(ctx context.Context, r record) error
}

// hub owns every peer, subscription and conversation. Only Run touches them.
type hub struct {
	log    *slog.Logger
	now    func() time.Time
	fanout fanout

	omitClientID bool

	peers         map[*peer]bool
	topics        map[string]map[*peer]map[string]bool // topic → peer → sub ids
	conversations map[int64]*conversation
	publishes     int

	register   chan *peer
	unregister chan *peer
	inbound    chan inbound
	broadcast  chan record
	requests   chan func()
	quit       chan struct{}
}

func newHub(log *slog.Logger, now func() time.Time, omitClientID bool) *hub {
	return &hub{
		log:           log,
		now:           now,
		omitClientID:  omitClientID,
		peers:         make(map[*peer]bool),
		topics:        make(map[string]map[*peer]map[string]bool),
		conversations: make(map[int64]*conversation),
		register:      make(chan *peer),
		unregister:    make(chan *peer),
		inbound:       make(chan inbound),
		broadcast:     make(chan record, 64),
		requests:      make(chan func()),
		quit:          make(chan struct{}),
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			for p := range h.peers {
				h.drop(p)
			}
			return

		case p := <-h.register:
			h.peers[p] = true

		case p := <-h.unregister:
			h.drop(p)

		case in := <-h.inbound:
			h.handle(ctx, in)

		case r := <-h.broadcast:
			h.deliver(r)

		case fn := <-h.requests:
			fn()
		}
	}
}

// do runs fn on the hub goroutine and waits for it.
func (h *hub) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case h.requests <- func() { fn(); close(done) }:
		<-done
		return true
	case <-h.quit:
		return false
	}
}

func (h *hub) drop(p *peer) {
	if _, ok := h.peers[p]; !ok {
		return
	}
	delete(h.peers, p)
	close(p.send)
	for topic, peers := range h.topics {
		delete(peers, p)
		if len(peers) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *hub) handle(ctx context.Context, in inbound) {
	if in.err != nil {
		h.reply(in.peer, wire.Frame{Op: wire.OpError, Error: in.err.Error()})
		return
	}
	f := in.frame
	switch f.Op {
	case wire.OpSubscribe:
		if _, err := conversationOf(f.Topic); err != nil {
			h.reply(in.peer, wire.Frame{Op: wire.OpError, Sub: f.Sub, Error: err.Error()})
			return
		}
		peers, ok := h.topics[f.Topic]
		if !ok {
			peers = make(map[*peer]map[string]bool)
			h.topics[f.Topic] = peers
		}
		if peers[in.peer] == nil {
			peers[in.peer] = make(map[string]bool)
		}
		peers[in.peer][f.Sub] = true

	case wire.OpUnsubscribe:
		for topic, peers := range h.topics {
			if subs := peers[in.peer]; subs[f.Sub] {
				delete(subs, f.Sub)
				if len(subs) == 0 {
					delete(peers, in.peer)
				}
				if len(peers) == 0 {
					delete(h.topics, topic)
				}
			}
		}

	case wire.OpPublish:
		if err := h.accept(ctx, in.peer, f); err != nil {
			h.log.Warn("publish rejected", "user_id", in.peer.userID, "err", err)
			h.reply(in.peer, wire.Frame{Op: wire.OpError, Error: err.Error()})
		}

	default:
		h.reply(in.peer, wire.Frame{Op: wire.OpError, Error: fmt.Sprintf("unexpected op %q", f.Op)})
	}
}

func (h *hub) accept(ctx context.Context, p *peer, f wire.Frame) error {
	if f.Destination != chat.SendDestination {
		return fmt.Errorf("unknown destination %q", f.Destination)
	}
	var env chat.Envelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	env.Type = chat.ContentType(strings.ToUpper(string(env.Type)))
	switch {
	case env.SenderID != p.userID:
		return fmt.Errorf("sender %d does not match user %d", env.SenderID, p.userID)
	case env.ConversationID <= 0:
		return fmt.Errorf("missing conversationId")
	case env.Content == "":
		return fmt.Errorf("empty content")
	case !env.Type.Valid():
		return fmt.Errorf("unknown type %q", env.Type)
	}

	id, err := h.fanout.nextID(ctx)
	if err != nil {
		return fmt.Errorf("assign id: %w", err)
	}
	r := record{
		ID:             id,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Content:        env.Content,
		Type:           env.Type,
		CreatedAt:      h.now().UTC(),
	}
	if !h.omitClientID {
		r.ClientID = env.ClientID
	}
	h.publishes++
	return h.fanout.publish(ctx, r)
}

// deliver records r and pushes it to every subscriber of its topic,
// sender included.
func (h *hub) deliver(r record) {
	c := h.conversation(r.ConversationID)
	c.participants[r.SenderID] = true
	c.history = append(c.history, r)

	body, err := json.Marshal(r)
	if err != nil {
		h.log.Error("encode message", "err", err)
		return
	}
	h.fan(chat.Topic(r.ConversationID), body)
}

func (h *hub) fan(topic string, body []byte) {
	for p, subs := range h.topics[topic] {
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			h.reply(p, wire.Frame{Op: wire.OpMessage, Topic: topic, Sub: id, Body: body})
		}
	}
}

func (h *hub) reply(p *peer, f wire.Frame) {
	data, err := wire.Encode(f)
	if err != nil {
		h.log.Error("encode frame", "err", err)
		return
	}
	select {
	case p.send <- data:
	default:
		h.drop(p)
	}
}

func (h *hub) conversation(id int64) *conversation {
	c, ok := h.conversations[id]
	if !ok {
		c = &conversation{
			id:           id,
			participants: make(map[int64]bool),
			readUpTo:     make(map[int64]int64),
		}
		h.conversations[id] = c
	}
	return c
}

func (h *hub) subscribers(topic string) int {
	n := 0
	for _, subs := range h.topics[topic] {
		n += len(subs)
	}
	return n
}

func conversationOf(topic string) (int64, error) {
	var id int64
	if !strings.HasPrefix(topic, "conversation/") {
		return 0, fmt.Errorf("unknown topic %q", topic)
	}
	if _, err := fmt.Sscanf(strings.TrimPrefix(topic, "conversation/"), "%d", &id); err != nil || id <= 0 {
		return 0, fmt.Errorf("unknown topic %q", topic)
	}
	return id, nil
}

// localFanout delivers on this instance only.
type localFanout struct {
	h   *hub
	seq int64
}

func (f *localFanout) nextID(context.Context) (int64, error) {
	f.seq++
	return f.seq, nil
}

func (f *localFanout) publish(_ context.Context, r record) error {
	f.h.deliver(r)
	return nil
}
