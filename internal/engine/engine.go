// Package engine runs the conversation synchronization engine: one loop
// goroutine owns the message cache, summaries, subscription registry and
// send pipeline, and every transport callback is posted onto it.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"convsync/internal/api"
	"convsync/internal/auth"
	"convsync/internal/chat"
	"convsync/internal/obs"
	"convsync/internal/store"
	"convsync/internal/transport"
	appErrors "convsync/pkg/errors"
)

const (
	taskBuffer      = 1024
	defaultPageSize = 50
	resyncTimeout   = 15 * time.Second
)

var (
	ErrStopped = appErrors.Internal("engine loop is not running")
	ErrNoAPI   = appErrors.New(appErrors.CodeInvalidArgument, "no REST endpoint configured")
)

// API is the REST collaborator used to seed and refresh the cache.
type API interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	History(ctx context.Context, conversationID int64, page, size int) ([]chat.Message, error)
	MarkRead(ctx context.Context, conversationID int64) error
}

type Options struct {
	Transport transport.Options
	// Shared uses the process-wide transport session instead of a private one.
	Shared bool

	APIURL     string
	HTTPClient *http.Client
	// NewAPI overrides how the REST client is built for a credential.
	NewAPI func(cred auth.Credential) API

	Store   store.Store
	Metrics *obs.Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	HistoryPageSize int
	// ResyncOnReconnect refetches the newest history page of every held
	// conversation after a reconnection.
	ResyncOnReconnect bool
}

type EventKind int

const (
	EventMessages   EventKind = iota // a cache sequence changed
	EventState                       // the transport changed state
	EventSendFailed                  // an optimistic send was marked failed
)

type Event struct {
	Kind     EventKind
	Change   chat.Change
	State    transport.State
	ClientID string
	Err      error
}

type Engine struct {
	opts      Options
	log       *slog.Logger
	session   *transport.Session
	link      *loopSession
	unwatch   func()
	persister *store.Persister

	// loop-owned state
	cache     *chat.Cache
	summary   *chat.Aggregator
	registry  *chat.Registry
	pipeline  *chat.Pipeline
	viewer    int64
	api       API
	connected bool // has been connected at least once

	tasks chan func()
	quit  chan struct{}
	once  sync.Once

	wmu       sync.Mutex
	watchers  map[int]func(Event)
	nextWatch int
}

func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = defaultPageSize
	}
	if opts.NewAPI == nil && opts.APIURL != "" {
		opts.NewAPI = func(cred auth.Credential) API {
			return api.New(opts.APIURL, cred, opts.HTTPClient)
		}
	}

	e := &Engine{
		opts:     opts,
		log:      opts.Logger.With("component", "engine"),
		cache:    chat.NewCache(),
		summary:  chat.NewAggregator(),
		tasks:    make(chan func(), taskBuffer),
		quit:     make(chan struct{}),
		watchers: make(map[int]func(Event)),
	}

	topts := opts.Transport
	if topts.Logger == nil {
		topts.Logger = opts.Logger
	}
	onAttempt := topts.OnReconnectAttempt
	topts.OnReconnectAttempt = func(attempt int) {
		if opts.Metrics != nil {
			opts.Metrics.ReconnectAttempts.Inc()
		}
		if onAttempt != nil {
			onAttempt(attempt)
		}
	}
	if opts.Shared {
		e.session = transport.Init(topts)
	} else {
		e.session = transport.New(topts)
	}
	// callbacks go to this engine's loop even on a session another engine built
	e.link = &loopSession{session: e.session, post: e.post}
	e.unwatch = e.session.OnStateChange(func(st transport.State) {
		e.post(func() { e.onState(st) })
	})

	// the aggregator observes first so listeners and watchers see fresh summaries
	e.cache.Observe(e.summary)
	e.cache.Observe(chat.ObserverFunc(e.cacheChanged))

	e.registry = chat.NewRegistry(e.link, &meteredIngester{cache: e.cache, metrics: opts.Metrics}, chat.RegistryOptions{
		Logger: opts.Logger,
		OnMalformed: func(string, error) {
			if opts.Metrics != nil {
				opts.Metrics.Frames.WithLabelValues("malformed").Inc()
			}
		},
		OnChange: func(active int) {
			if opts.Metrics != nil {
				opts.Metrics.ActiveSubscriptions.Set(float64(active))
			}
		},
	})
	e.pipeline = chat.NewPipeline(e.cache, e.link, chat.PipelineOptions{
		Logger:   opts.Logger,
		Now:      opts.Now,
		OnFailed: e.sendFailed,
	})
	if opts.Store != nil {
		e.persister = store.NewPersister(opts.Store, opts.Logger)
	}
	return e
}

// Run executes posted work until ctx is done. Every other method needs Run
// to be running.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if e.persister != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.persister.Run(ctx)
		}()
	}
	defer func() {
		e.once.Do(func() { close(e.quit) })
		wg.Wait()
	}()

	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// post queues fn for the loop. Transport callbacks arrive through it.
func (e *Engine) post(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.quit:
	}
}

// do runs fn on the loop and waits for it. It must not be called from the
// loop itself (listeners, watchers).
func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case e.tasks <- func() { fn(); close(done) }:
	case <-e.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-e.quit:
		return ErrStopped
	}
}

// Session exposes the transport for state inspection.
func (e *Engine) Session() *transport.Session { return e.session }

func (e *Engine) State() transport.State { return e.session.State() }

// Close disconnects the transport and closes the store. Cancel Run's
// context afterwards so pending snapshots are flushed.
func (e *Engine) Close() error {
	e.unwatch()
	var err error
	if e.opts.Shared {
		err = transport.Teardown()
	} else {
		err = e.session.Disconnect()
	}
	return err
}

// Watch registers fn for every engine event. fn runs on the loop and must
// not call blocking Engine methods.
func (e *Engine) Watch(fn func(Event)) (cancel func()) {
	e.wmu.Lock()
	e.nextWatch++
	id := e.nextWatch
	e.watchers[id] = fn
	e.wmu.Unlock()
	return func() {
		e.wmu.Lock()
		delete(e.watchers, id)
		e.wmu.Unlock()
	}
}

func (e *Engine) emit(ev Event) {
	e.wmu.Lock()
	fns := make([]func(Event), 0, len(e.watchers))
	for id := 1; id <= e.nextWatch; id++ {
		if fn, ok := e.watchers[id]; ok {
			fns = append(fns, fn)
		}
	}
	e.wmu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Engine) key(conversationID int64) chat.Key {
	return chat.Key{ConversationID: conversationID, ViewerID: e.viewer}
}

// ---------------------------------------------
// Loop callbacks
// ---------------------------------------------

func (e *Engine) onState(st transport.State) {
	if m := e.opts.Metrics; m != nil {
		m.SetState(st.String(), allStates)
	}
	if st == transport.Connected {
		reconnected := e.connected
		e.connected = true
		if err := e.registry.Resubscribe(); err != nil {
			e.log.Warn("resubscribe failed", "err", err)
		}
		if reconnected && e.opts.ResyncOnReconnect {
			e.resync()
		}
	}
	e.emit(Event{Kind: EventState, State: st})
}

var allStates = []string{
	transport.Disconnected.String(),
	transport.Connecting.String(),
	transport.Connected.String(),
	transport.Reconnecting.String(),
	transport.Failed.String(),
}

func (e *Engine) cacheChanged(ch chat.Change) {
	if ch.Outcome == chat.Unchanged {
		return
	}
	if e.persister != nil {
		e.persister.Enqueue(ch.Key, e.cache.Read(ch.Key))
	}
	e.emit(Event{Kind: EventMessages, Change: ch})
}

func (e *Engine) sendFailed(key chat.Key, clientID string, err error) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.FailedSends.Inc()
	}
	e.emit(Event{Kind: EventSendFailed, Change: chat.Change{Key: key}, ClientID: clientID, Err: err})
}

// resync refetches the newest page of every held conversation off the
// loop and merges it back in.
func (e *Engine) resync() {
	if e.api == nil {
		return
	}
	client, size := e.api, e.opts.HistoryPageSize
	for _, key := range e.registry.Keys() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
			defer cancel()
			msgs, err := client.History(ctx, key.ConversationID, 0, size)
			if err != nil {
				e.log.Warn("resync failed", "conversation_id", key.ConversationID, "err", err)
				return
			}
			e.post(func() { e.cache.Seed(key, msgs) })
		}()
	}
}

// meteredIngester counts inbound frames by outcome on their way to the cache.
type meteredIngester struct {
	cache   *chat.Cache
	metrics *obs.Metrics
}

func (m *meteredIngester) Ingest(key chat.Key, msg chat.Message) chat.Change {
	ch := m.cache.Ingest(key, msg)
	if m.metrics != nil {
		result := "ingested"
		if ch.Outcome == chat.Unchanged {
			result = "duplicate"
		}
		m.metrics.Frames.WithLabelValues(result).Inc()
	}
	return ch
}

// loopSession hands the registry and the pipeline a view of the transport
// whose callbacks run on this engine's loop.
type loopSession struct {
	session *transport.Session
	post    func(func())
}

func (l *loopSession) Subscribe(topic string, handler func(body []byte)) (func(), error) {
	return l.session.Subscribe(topic, func(body []byte) {
		l.post(func() { handler(body) })
	})
}

func (l *loopSession) PublishTracked(destination string, payload any, onFailure func(error)) error {
	var cb func(error)
	if onFailure != nil {
		cb = func(err error) { l.post(func() { onFailure(err) }) }
	}
	return l.session.PublishTracked(destination, payload, cb)
}
