package chat

import (
	"slices"
	"sort"
	"time"
)

// Summary is the inbox view of one conversation for one viewer.
type Summary struct {
	ConversationID int64    `json:"conversationId"`
	ViewerID       int64    `json:"viewerId"`
	Participants   []int64  `json:"participants,omitempty"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
	Unread         int      `json:"unread"`
}

func (s Summary) lastActivity() time.Time {
	if s.LastMessage == nil {
		return time.Time{}
	}
	return s.LastMessage.CreatedAt
}

// Aggregator keeps last-message and unread count per key in step with the
// cache. It is registered as a cache observer and updates incrementally.
type Aggregator struct {
	byKey map[Key]*Summary
	// cached marks keys whose numbers are derived from the cache rather than
	// from the REST listing.
	cached map[Key]bool
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		byKey:  make(map[Key]*Summary),
		cached: make(map[Key]bool),
	}
}

func (a *Aggregator) ensure(key Key) *Summary {
	s, ok := a.byKey[key]
	if !ok {
		s = &Summary{ConversationID: key.ConversationID, ViewerID: key.ViewerID}
		a.byKey[key] = s
	}
	return s
}

func counts(m Message, viewer int64) int {
	if !m.IsRead && m.SenderID != viewer {
		return 1
	}
	return 0
}

func (a *Aggregator) CacheChanged(ch Change) {
	s := a.ensure(ch.Key)
	viewer := ch.Key.ViewerID

	switch ch.Outcome {
	case Unchanged:
		return
	case Seeded, MarkedRead:
		a.cached[ch.Key] = true
		s.Unread = 0
		for _, m := range ch.Messages {
			s.Unread += counts(m, viewer)
		}
		s.LastMessage = nil
		if len(ch.Messages) > 0 {
			last := ch.Messages[len(ch.Messages)-1]
			s.LastMessage = &last
		}
		return
	}

	switch ch.Outcome {
	case Appended:
		s.Unread += counts(ch.Message, viewer)
	case Replaced, Updated:
		s.Unread += counts(ch.Message, viewer) - counts(ch.Previous, viewer)
	}
	if s.Unread < 0 {
		s.Unread = 0
	}
	if ch.Tail {
		last := ch.Message
		s.LastMessage = &last
	}
}

// Upsert records a conversation from the REST listing. Server-side numbers
// are taken only until the key has been seeded; live changes before that are
// counted on top of the listing's base.
func (a *Aggregator) Upsert(viewer int64, conv Conversation) {
	key := Key{ConversationID: conv.ID, ViewerID: viewer}
	s := a.ensure(key)
	s.Participants = slices.Clone(conv.Participants)
	if a.cached[key] {
		return
	}
	s.Unread = conv.UnreadCount
	if conv.LastMessage != nil {
		last := *conv.LastMessage
		s.LastMessage = &last
	}
}

func (a *Aggregator) Get(key Key) (Summary, bool) {
	s, ok := a.byKey[key]
	if !ok {
		return Summary{}, false
	}
	return s.clone(), true
}

// List returns the viewer's summaries, most recent activity first.
func (a *Aggregator) List(viewer int64) []Summary {
	out := make([]Summary, 0, len(a.byKey))
	for k, s := range a.byKey {
		if k.ViewerID == viewer {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].lastActivity(), out[j].lastActivity()
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

func (s *Summary) clone() Summary {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	if s.LastMessage != nil {
		last := *s.LastMessage
		c.LastMessage = &last
	}
	return c
}
