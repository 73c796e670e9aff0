package chat

import (
	"errors"
	"log/slog"
	"sort"

	appErrors "convsync/pkg/errors"
)

// Subscriber is the slice of the transport session the registry needs.
type Subscriber interface {
	Subscribe(topic string, handler func(body []byte)) (unsubscribe func(), err error)
}

// Ingester receives every parsed inbound message before any listener.
type Ingester interface {
	Ingest(key Key, m Message) Change
}

// Listener is notified after the cache has absorbed an inbound message.
type Listener func(Change)

// Handle is one caller's reference on a conversation subscription.
type Handle struct {
	key      Key
	id       int
	released bool
}

func (h *Handle) Key() Key { return h.key }

type subscription struct {
	refs        int
	unsubscribe func()
	listeners   map[int]Listener
}

type RegistryOptions struct {
	Logger *slog.Logger
	// OnMalformed is called for every dropped inbound frame.
	OnMalformed func(topic string, err error)
	// OnChange reports the number of live subscriptions after acquire/release.
	OnChange func(active int)
}

// Registry keeps at most one transport subscription per key and reference
// counts callers on top of it. Like the cache it is owned by the engine loop.
type Registry struct {
	sub     Subscriber
	cache   Ingester
	entries map[Key]*subscription
	nextID  int
	opts    RegistryOptions
}

func NewRegistry(sub Subscriber, cache Ingester, opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		sub:     sub,
		cache:   cache,
		entries: make(map[Key]*subscription),
		opts:    opts,
	}
}

// Acquire returns a handle on the subscription for key, subscribing on the
// transport only if no live subscription exists. It does not queue: when the
// transport is down the NotConnected error is returned to the caller.
func (r *Registry) Acquire(key Key, l Listener) (*Handle, error) {
	r.nextID++
	h := &Handle{key: key, id: r.nextID}

	if e, ok := r.entries[key]; ok {
		// a failed resubscribe left the key without a transport subscription
		if e.unsubscribe == nil {
			unsub, err := r.sub.Subscribe(Topic(key.ConversationID), r.handler(key, e))
			if err != nil {
				return nil, err
			}
			e.unsubscribe = unsub
		}
		e.refs++
		if l != nil {
			e.listeners[h.id] = l
		}
		return h, nil
	}

	e := &subscription{refs: 1, listeners: make(map[int]Listener)}
	unsub, err := r.sub.Subscribe(Topic(key.ConversationID), r.handler(key, e))
	if err != nil {
		return nil, err
	}
	e.unsubscribe = unsub
	if l != nil {
		e.listeners[h.id] = l
	}
	r.entries[key] = e
	r.changed()
	return h, nil
}

// Release drops h. The transport subscription is torn down with the last
// reference. Releasing twice is a no-op.
func (r *Registry) Release(h *Handle) {
	if h == nil || h.released {
		return
	}
	h.released = true
	e, ok := r.entries[h.key]
	if !ok {
		return
	}
	delete(e.listeners, h.id)
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	delete(r.entries, h.key)
	r.changed()
}

// Resubscribe re-establishes every held subscription on a fresh connection.
// Keys that fail stay registered and are retried on the next call. A
// subscription still live on the current connection is replaced, not doubled.
func (r *Registry) Resubscribe() error {
	var errs []error
	for _, key := range r.Keys() {
		e := r.entries[key]
		if e.unsubscribe != nil {
			e.unsubscribe()
			e.unsubscribe = nil
		}
		unsub, err := r.sub.Subscribe(Topic(key.ConversationID), r.handler(key, e))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		e.unsubscribe = unsub
	}
	return errors.Join(errs...)
}

// Keys returns the held keys in a stable order.
func (r *Registry) Keys() []Key {
	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ConversationID != keys[j].ConversationID {
			return keys[i].ConversationID < keys[j].ConversationID
		}
		return keys[i].ViewerID < keys[j].ViewerID
	})
	return keys
}

func (r *Registry) Refs(key Key) int {
	if e, ok := r.entries[key]; ok {
		return e.refs
	}
	return 0
}

func (r *Registry) changed() {
	if r.opts.OnChange != nil {
		r.opts.OnChange(len(r.entries))
	}
}

func (r *Registry) handler(key Key, e *subscription) func([]byte) {
	topic := Topic(key.ConversationID)
	return func(body []byte) {
		// frames already queued when the last handle was released
		if r.entries[key] != e {
			return
		}
		m, err := ParseFrame(body)
		if err == nil && m.ConversationID != key.ConversationID {
			err = appErrors.MalformedFrame(errors.New("frame for another conversation"))
		}
		if err != nil {
			r.opts.Logger.Warn("dropping inbound frame", "topic", topic, "err", err)
			if r.opts.OnMalformed != nil {
				r.opts.OnMalformed(topic, err)
			}
			return
		}

		ch := r.cache.Ingest(key, m)
		if ch.Outcome == Unchanged {
			return
		}
		ids := make([]int, 0, len(e.listeners))
		for id := range e.listeners {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			e.listeners[id](ch)
		}
	}
}
