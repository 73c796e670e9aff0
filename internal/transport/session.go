package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"convsync/internal/auth"
	"convsync/internal/reconnect"
	"convsync/internal/wire"
	appErrors "convsync/pkg/errors"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a frame to the server.
	pongWait       = 60 * time.Second // Time allowed to read the next pong from the server.
	maxMessageSize = 64 * 1024        // Largest inbound frame accepted.
	sendBuffer     = 256              // Outbound frames queued per connection.
	pingRatio      = 9                // pingPeriod = pongWait * pingRatio / 10
	dialTimeout    = 10 * time.Second
)

var errQueueFull = errors.New("outbound queue full")

type Options struct {
	URL    string
	Dialer *websocket.Dialer
	Policy *reconnect.Policy
	// Dispatch runs frame handlers, state watchers and send-failure callbacks.
	// When nil they run on the session's own goroutines and must not block
	// for long.
	Dispatch func(func())
	Logger   *slog.Logger
	Now      func() time.Time

	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64

	// OnReconnectAttempt fires before every redial.
	OnReconnectAttempt func(attempt int)
}

type outbound struct {
	data      []byte
	onFailure func(error)
}

type subscription struct {
	topic   string
	handler func([]byte)
}

// link is everything tied to one physical connection.
type link struct {
	gen        uint64
	conn       *websocket.Conn
	send       chan outbound
	stop       chan struct{}
	writerDone chan struct{}
}

// Session owns the single websocket to the messaging endpoint. It relays
// frames and never keeps message state.
type Session struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	changed   chan struct{}
	cred      auth.Credential
	link      *link
	gen       uint64
	subs      map[string]*subscription
	watchers  map[int]func(State)
	nextWatch int
	cancel    context.CancelFunc
	done      chan struct{}
	lastErr   error
}

func New(opts Options) *Session {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		}
	}
	if opts.Policy == nil {
		opts.Policy = reconnect.New(reconnect.DefaultConfig())
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = sendBuffer
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = writeWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = pongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = maxMessageSize
	}
	return &Session{
		opts:     opts,
		log:      opts.Logger.With("component", "transport"),
		changed:  make(chan struct{}),
		subs:     make(map[string]*subscription),
		watchers: make(map[int]func(State)),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError is the error that put the session into Failed, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// OnStateChange registers fn for every transition. fn runs through Dispatch.
func (s *Session) OnStateChange(fn func(State)) (cancel func()) {
	s.mu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// WaitFor blocks until the session reaches want or ctx is done.
func (s *Session) WaitFor(ctx context.Context, want State) error {
	for {
		s.mu.Lock()
		st, ch := s.state, s.changed
		s.mu.Unlock()
		if st == want {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (at %s): %w", want, st, ctx.Err())
		}
	}
}

// Connect opens the connection with cred. It is a no-op while a connection
// is open or being established. It returns once the first dial has
// completed: nil when connected, AuthenticationRejected when the credential
// was refused (no retry), or NotConnected while the reconnection policy
// keeps trying in the background. A Connect after the policy gave up starts
// over with a fresh attempt budget.
func (s *Session) Connect(ctx context.Context, cred auth.Credential) error {
	for {
		s.mu.Lock()
		switch s.state {
		case Connected, Connecting:
			s.mu.Unlock()
			return nil
		case Reconnecting:
			s.mu.Unlock()
			return appErrors.ErrNotConnected
		}
		if s.done == nil {
			break
		}
		done, changed := s.done, s.changed
		select {
		case <-done:
		default:
			// Failed with a live supervisor: it is about to redial or give up
			s.mu.Unlock()
			select {
			case <-done:
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		break
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.cred = cred
	// the old supervisor has exited, so nothing else touches the policy
	s.opts.Policy.Reset()
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	fns := s.setStateLocked(Connecting)
	s.mu.Unlock()
	s.notify(Connecting, fns)

	first := make(chan error, 1)
	go s.supervise(runCtx, done, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops reconnecting. Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == Disconnected && s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.setState(Disconnected)
	return nil
}

// Subscribe registers handler for every frame on topic. The returned
// function unsubscribes; it is safe to call more than once and becomes a
// no-op once the connection it was made on is gone.
func (s *Session) Subscribe(topic string, handler func(body []byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.link == nil {
		return nil, appErrors.ErrNotConnected
	}
	id := uuid.NewString()
	data, err := wire.Encode(wire.Frame{Op: wire.OpSubscribe, Topic: topic, Sub: id})
	if err != nil {
		return nil, err
	}
	if !s.enqueueLocked(outbound{data: data}) {
		return nil, appErrors.SendFailed(errQueueFull)
	}
	s.subs[id] = &subscription{topic: topic, handler: handler}
	gen := s.link.gen

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(gen, id) })
	}, nil
}

func (s *Session) unsubscribe(gen uint64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.link.gen != gen {
		return
	}
	if _, ok := s.subs[id]; !ok {
		return
	}
	delete(s.subs, id)
	data, err := wire.Encode(wire.Frame{Op: wire.OpUnsubscribe, Sub: id})
	if err == nil && !s.enqueueLocked(outbound{data: data}) {
		s.log.Warn("unsubscribe frame dropped", "sub", id)
	}
}

// Publish enqueues payload for destination without waiting for delivery.
func (s *Session) Publish(destination string, payload any) error {
	return s.PublishTracked(destination, payload, nil)
}

// PublishTracked is Publish with a callback for frames that are accepted
// but never written because the connection went away first.
func (s *Session) PublishTracked(destination string, payload any, onFailure func(error)) error {
	f, err := wire.Publish(destination, payload)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInvalidArgument, "encode payload", err)
	}
	data, err := wire.Encode(f)
	if err != nil {
		return appErrors.Wrap(appErrors.CodeInvalidArgument, "encode frame", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.link == nil {
		return appErrors.ErrNotConnected
	}
	if !s.enqueueLocked(outbound{data: data, onFailure: onFailure}) {
		return appErrors.SendFailed(errQueueFull)
	}
	return nil
}

func (s *Session) enqueueLocked(item outbound) bool {
	select {
	case s.link.send <- item:
		return true
	default:
		return false
	}
}

// ---------------------------------------------
// Connection supervision
// ---------------------------------------------

func (s *Session) supervise(ctx context.Context, done chan struct{}, first chan<- error) {
	defer close(done)

	conn, err := s.dial(ctx)
	if err != nil {
		s.fail(err)
		if !reconnect.Retryable(err) {
			first <- err
			return
		}
		first <- appErrors.NotConnected(err)
		first = nil
		if ctx.Err() != nil {
			return
		}
		if conn = s.redial(ctx); conn == nil {
			return
		}
	}

	for {
		l, lost := s.attach(conn)
		if first != nil {
			first <- nil
			first = nil
		}
		select {
		case <-ctx.Done():
			s.detach(l)
			return
		case <-lost:
		}
		s.detach(l)
		s.log.Warn("connection lost")
		if conn = s.redial(ctx); conn == nil {
			return
		}
	}
}

func (s *Session) redial(ctx context.Context) *websocket.Conn {
	s.setState(Reconnecting)
	for {
		d, ok := s.opts.Policy.Next()
		if !ok {
			s.fail(errors.New("reconnect attempts exhausted"))
			return nil
		}
		attempt := s.opts.Policy.Attempts()
		if s.opts.OnReconnectAttempt != nil {
			s.opts.OnReconnectAttempt(attempt)
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := s.dial(ctx)
		if err == nil {
			s.log.Info("reconnected", "attempt", attempt)
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("reconnect failed", "attempt", attempt, "err", err)
		if !reconnect.Retryable(err) {
			s.fail(err)
			return nil
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	cred := s.cred
	s.mu.Unlock()
	if cred.Expired(s.opts.Now()) {
		return nil, appErrors.AuthenticationRejected(errors.New("credential expired"))
	}

	header := http.Header{}
	header.Set("Authorization", cred.Header())
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, appErrors.AuthenticationRejected(fmt.Errorf("handshake status %d", resp.StatusCode))
		}
		return nil, err
	}
	return conn, nil
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.lastErr = err
	fns := s.setStateLocked(Failed)
	s.mu.Unlock()
	s.log.Error("transport failed", "err", err)
	s.notify(Failed, fns)
}

func (s *Session) attach(conn *websocket.Conn) (*link, <-chan struct{}) {
	s.mu.Lock()
	s.gen++
	l := &link{
		gen:        s.gen,
		conn:       conn,
		send:       make(chan outbound, s.opts.SendBuffer),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.link = l
	s.subs = make(map[string]*subscription)
	s.lastErr = nil
	fns := s.setStateLocked(Connected)
	s.mu.Unlock()

	s.opts.Policy.Reset()
	lost := make(chan struct{})
	go s.writePump(l)
	go s.readPump(l, lost)
	s.notify(Connected, fns)
	return l, lost
}

// detach stops the writer and fails every frame that was queued but never
// written. Subscriptions die with the connection; the registry renews them.
func (s *Session) detach(l *link) {
	close(l.stop)
	<-l.writerDone

	s.mu.Lock()
	if s.link == l {
		s.link = nil
	}
	s.subs = make(map[string]*subscription)
	var unsent []outbound
drain:
	for {
		select {
		case item := <-l.send:
			unsent = append(unsent, item)
		default:
			break drain
		}
	}
	s.mu.Unlock()

	for _, item := range unsent {
		s.reportFailure(item, appErrors.ErrNotConnected)
	}
}

func (s *Session) reportFailure(item outbound, err error) {
	if item.onFailure == nil {
		return
	}
	cb := item.onFailure
	s.dispatch(func() { cb(appErrors.SendFailed(err)) })
}

// readPump pumps frames from the websocket connection to subscription handlers.
func (s *Session) readPump(l *link, lost chan<- struct{}) {
	defer func() {
		l.conn.Close()
		close(lost)
	}()

	l.conn.SetReadLimit(s.opts.MaxMessageSize)
	l.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
		return nil
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("read failed", "err", err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			s.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch f.Op {
		case wire.OpMessage:
			s.route(l.gen, f)
		case wire.OpError:
			s.log.Warn("server reported error", "err", f.Error, "sub", f.Sub)
		}
	}
}

func (s *Session) route(gen uint64, f wire.Frame) {
	s.mu.Lock()
	sub, ok := s.subs[f.Sub]
	if !ok || s.link == nil || s.link.gen != gen {
		s.mu.Unlock()
		return
	}
	h := sub.handler
	s.mu.Unlock()

	body := []byte(f.Body)
	s.dispatch(func() { h(body) })
}

// writePump pumps queued frames to the websocket connection and keeps it
// alive with pings.
func (s *Session) writePump(l *link) {
	ticker := time.NewTicker(s.opts.PongWait * pingRatio / 10)
	defer func() {
		ticker.Stop()
		l.conn.Close()
		close(l.writerDone)
	}()

	for {
		select {
		case <-l.stop:
			l.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case item := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, item.data); err != nil {
				s.reportFailure(item, err)
				return
			}

		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ---------------------------------------------
// State plumbing
// ---------------------------------------------

func (s *Session) setState(st State) {
	s.mu.Lock()
	fns := s.setStateLocked(st)
	s.mu.Unlock()
	s.notify(st, fns)
}

func (s *Session) setStateLocked(st State) []func(State) {
	if s.state == st {
		return nil
	}
	s.log.Debug("state change", "from", s.state.String(), "to", st.String())
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})

	ids := make([]int, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	return fns
}

func (s *Session) notify(st State, fns []func(State)) {
	for _, fn := range fns {
		s.dispatch(func() { fn(st) })
	}
}

func (s *Session) dispatch(fn func()) {
	if s.opts.Dispatch != nil {
		s.opts.Dispatch(fn)
		return
	}
	fn()
}
