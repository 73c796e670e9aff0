package chat

import (
	"slices"
	"sort"
)

// Outcome describes what a cache mutation did to a sequence.
type Outcome int

const (
	Unchanged Outcome = iota // duplicate delivery, nothing changed
	Appended
	Replaced // optimistic entry reconciled with its confirmed echo
	Updated  // status flip of an existing entry
	Seeded
	MarkedRead
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Replaced:
		return "replaced"
	case Updated:
		return "updated"
	case Seeded:
		return "seeded"
	case MarkedRead:
		return "marked_read"
	default:
		return "unchanged"
	}
}

// Change is emitted to observers after every cache mutation.
type Change struct {
	Key      Key
	Outcome  Outcome
	Index    int
	Message  Message
	Previous Message   // entry that was replaced or updated
	Tail     bool      // Index is the last position of the sequence
	Messages []Message // full sequence, set for Seeded and MarkedRead
}

type Observer interface {
	CacheChanged(Change)
}

type ObserverFunc func(Change)

func (f ObserverFunc) CacheChanged(c Change) { f(c) }

type sequence struct {
	msgs []Message
	live bool // ingestion has begun; seed must merge from now on
}

// Cache is the ordered, deduplicated message store per (conversation, viewer).
// It is not safe for concurrent use; the engine loop owns it.
type Cache struct {
	seqs      map[Key]*sequence
	observers []Observer
}

func NewCache() *Cache {
	return &Cache{seqs: make(map[Key]*sequence)}
}

// Observe registers o. Observers run in registration order.
func (c *Cache) Observe(o Observer) {
	c.observers = append(c.observers, o)
}

func (c *Cache) seq(key Key) *sequence {
	s, ok := c.seqs[key]
	if !ok {
		s = &sequence{}
		c.seqs[key] = s
	}
	return s
}

func (c *Cache) notify(ch Change) {
	for _, o := range c.observers {
		o.CacheChanged(ch)
	}
}

// Ingest merges m into the sequence for key.
func (c *Cache) Ingest(key Key, m Message) Change {
	s := c.seq(key)
	s.live = true
	out, oc, i := Merge(s.msgs, m)
	ch := Change{Key: key, Outcome: oc, Index: i, Message: out[i]}
	if oc == Replaced {
		ch.Previous = s.msgs[i]
	}
	ch.Tail = i == len(out)-1
	s.msgs = out
	c.notify(ch)
	return ch
}

// Read returns a copy of the current sequence.
func (c *Cache) Read(key Key) []Message {
	s, ok := c.seqs[key]
	if !ok {
		return nil
	}
	return slices.Clone(s.msgs)
}

func (c *Cache) Len(key Key) int {
	if s, ok := c.seqs[key]; ok {
		return len(s.msgs)
	}
	return 0
}

// Loaded reports whether anything has been seeded or ingested for key.
func (c *Cache) Loaded(key Key) bool {
	_, ok := c.seqs[key]
	return ok
}

func (c *Cache) Keys() []Key {
	keys := make([]Key, 0, len(c.seqs))
	for k := range c.seqs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ViewerID != keys[j].ViewerID {
			return keys[i].ViewerID < keys[j].ViewerID
		}
		return keys[i].ConversationID < keys[j].ConversationID
	})
	return keys
}

// Seed loads a fetched history page. Before live ingestion it replaces the
// sequence; afterwards it merges (union by id, reconciling pending entries)
// and re-sorts by creation time.
func (c *Cache) Seed(key Key, msgs []Message) Change {
	s := c.seq(key)
	var base []Message
	if s.live {
		base = s.msgs
	}
	incoming := slices.Clone(msgs)
	sortByCreation(incoming)
	for _, m := range incoming {
		base, _, _ = Merge(base, m)
	}
	base = slices.Clone(base)
	sortByCreation(base)
	s.msgs = base

	ch := Change{Key: key, Outcome: Seeded, Index: len(base) - 1, Tail: true, Messages: slices.Clone(base)}
	if len(base) > 0 {
		ch.Message = base[len(base)-1]
	}
	c.notify(ch)
	return ch
}

// Find returns the entry carrying clientID.
func (c *Cache) Find(key Key, clientID string) (Message, bool) {
	s, ok := c.seqs[key]
	if !ok || clientID == "" {
		return Message{}, false
	}
	if i := indexByClientID(s.msgs, clientID); i >= 0 {
		return s.msgs[i], true
	}
	return Message{}, false
}

// MarkFailed flips a pending entry to failed. Confirmed entries are left alone.
func (c *Cache) MarkFailed(key Key, clientID string) (Change, bool) {
	return c.setStatus(key, clientID, StatusPending, StatusFailed)
}

// MarkPending flips a failed entry back to pending for a retry.
func (c *Cache) MarkPending(key Key, clientID string) (Change, bool) {
	return c.setStatus(key, clientID, StatusFailed, StatusPending)
}

func (c *Cache) setStatus(key Key, clientID string, from, to Status) (Change, bool) {
	s, ok := c.seqs[key]
	if !ok || clientID == "" {
		return Change{}, false
	}
	i := indexByClientID(s.msgs, clientID)
	if i < 0 || s.msgs[i].Status != from {
		return Change{}, false
	}
	prev := s.msgs[i]
	s.msgs = slices.Clone(s.msgs)
	s.msgs[i].Status = to
	ch := Change{Key: key, Outcome: Updated, Index: i, Message: s.msgs[i], Previous: prev, Tail: i == len(s.msgs)-1}
	c.notify(ch)
	return ch, true
}

// MarkRead flips the read flag of every loaded message of key. It is the only
// writer of IsRead besides the server frames themselves.
func (c *Cache) MarkRead(key Key) Change {
	s := c.seq(key)
	s.msgs = slices.Clone(s.msgs)
	for i := range s.msgs {
		s.msgs[i].IsRead = true
	}
	ch := Change{Key: key, Outcome: MarkedRead, Index: len(s.msgs) - 1, Tail: true, Messages: slices.Clone(s.msgs)}
	if len(s.msgs) > 0 {
		ch.Message = s.msgs[len(s.msgs)-1]
	}
	c.notify(ch)
	return ch
}

// Merge folds m into seq without mutating seq. It returns the resulting
// sequence, what happened and the index m now occupies.
//
// A confirmed message whose id is already present is a no-op. Otherwise it
// replaces the matching optimistic entry in place: by correlation id when the
// echo carries one, else the first pending entry with the same sender,
// conversation and content. Everything else is appended.
func Merge(seq []Message, m Message) ([]Message, Outcome, int) {
	if m.ID != 0 {
		if i := indexByID(seq, m.ID); i >= 0 {
			return seq, Unchanged, i
		}
		if i := matchOptimistic(seq, m); i >= 0 {
			if m.ClientID == "" {
				m.ClientID = seq[i].ClientID
			}
			out := slices.Clone(seq)
			out[i] = m
			return out, Replaced, i
		}
	} else if m.ClientID != "" {
		if i := indexByClientID(seq, m.ClientID); i >= 0 {
			return seq, Unchanged, i
		}
	}
	out := append(seq[:len(seq):len(seq)], m)
	return out, Appended, len(out) - 1
}

func matchOptimistic(seq []Message, m Message) int {
	if m.ClientID != "" {
		for i := range seq {
			if seq[i].ClientID == m.ClientID && !seq[i].Confirmed() {
				return i
			}
		}
		// an unknown correlation id belongs to another client of the same user
		return -1
	}
	for i := range seq {
		p := seq[i]
		if p.Pending() && p.SenderID == m.SenderID && p.ConversationID == m.ConversationID && p.Content == m.Content {
			return i
		}
	}
	return -1
}

func indexByID(seq []Message, id int64) int {
	for i := range seq {
		if seq[i].ID == id {
			return i
		}
	}
	return -1
}

func indexByClientID(seq []Message, clientID string) int {
	for i := range seq {
		if seq[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

func sortByCreation(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
