// Package relay is a small messaging server speaking the convsync wire
// protocol and REST surface. It backs local development (convsync relay)
// and the integration tests of the transport and engine packages.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"convsync/internal/auth"
	"convsync/internal/chat"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Options struct {
	Secret string
	// Redis, when set, shares message ids and fan-out between relay
	// instances. Without it the relay is single-instance.
	Redis  *redis.Client
	Logger *slog.Logger
	Now    func() time.Time
	// OmitClientID strips the correlation id from echoes, like servers
	// that predate it.
	OmitClientID bool
}

type Server struct {
	log        *slog.Logger
	secret     string
	hub        *hub
	users      *users
	validator  tokenValidator
	router     chi.Router
	rejectAuth atomic.Bool
	cancel     context.CancelFunc
}

func New(opts Options) (*Server, error) {
	if opts.Secret == "" {
		return nil, errors.New("relay: secret is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.With("component", "relay")

	ctx, cancel := context.WithCancel(context.Background())
	h := newHub(log, opts.Now, opts.OmitClientID)
	if opts.Redis != nil {
		h.fanout = &redisFanout{rdb: opts.Redis}
		if err := h.subscribeRedis(ctx, opts.Redis); err != nil {
			cancel()
			return nil, fmt.Errorf("relay: subscribe %s: %w", relayChannel, err)
		}
	} else {
		h.fanout = &localFanout{h: h}
	}

	s := &Server{
		log:    log,
		secret: opts.Secret,
		hub:    h,
		users:  newUsers(opts.Secret),
		cancel: cancel,
	}
	s.validator = s.users
	s.router = s.routes()
	go h.run(ctx)
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", s.register)
	r.Post("/login", s.login)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/ws", s.serveWs)
		r.Get("/api/conversations", s.listConversations)
		r.Post("/api/conversations", s.startConversation)
		r.Get("/api/conversations/{id}/messages", s.history)
		r.Post("/api/conversations/{id}/read", s.markRead)
	})
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// Close stops the hub and drops every connection.
func (s *Server) Close() {
	s.cancel()
	<-s.hub.quit
}

// ---------------------------------------------
// Controls used by tests and the dev CLI
// ---------------------------------------------

// Issue signs a token for userID with the relay's secret.
func (s *Server) Issue(userID int64, username string, ttl time.Duration) (string, error) {
	return auth.Issue(s.secret, userID, username, ttl)
}

// RejectAuth makes every authenticated route answer 401.
func (s *Server) RejectAuth(reject bool) { s.rejectAuth.Store(reject) }

// DropConnections closes every websocket without a close handshake.
func (s *Server) DropConnections() {
	s.hub.do(func() {
		for p := range s.hub.peers {
			p.conn.Close()
		}
	})
}

// Peers counts open websocket connections.
func (s *Server) Peers() int {
	n := 0
	s.hub.do(func() { n = len(s.hub.peers) })
	return n
}

// Inject sends body verbatim to every subscriber of the conversation topic.
func (s *Server) Inject(conversationID int64, body []byte) {
	s.hub.do(func() { s.hub.fan(chat.Topic(conversationID), body) })
}

// Subscribers counts live subscriptions on the conversation topic.
func (s *Server) Subscribers(conversationID int64) int {
	n := 0
	s.hub.do(func() { n = s.hub.subscribers(chat.Topic(conversationID)) })
	return n
}

// Publishes counts envelopes accepted from clients.
func (s *Server) Publishes() int {
	n := 0
	s.hub.do(func() { n = s.hub.publishes })
	return n
}

func (s *Server) CreateConversation(participants ...int64) int64 {
	var id int64
	s.hub.do(func() { id = s.hub.create(participants) })
	return id
}

// Post stores and broadcasts a message as if senderID had sent it.
func (s *Server) Post(ctx context.Context, conversationID, senderID int64, content string) (int64, error) {
	var (
		id  int64
		err error
	)
	s.hub.do(func() {
		if id, err = s.hub.fanout.nextID(ctx); err != nil {
			return
		}
		err = s.hub.fanout.publish(ctx, record{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			Type:           chat.ContentText,
			CreatedAt:      s.hub.now().UTC(),
		})
	})
	return id, err
}

// ReadMark is the highest message id viewer has marked read.
func (s *Server) ReadMark(conversationID, viewerID int64) int64 {
	var id int64
	s.hub.do(func() {
		if c, ok := s.hub.conversations[conversationID]; ok {
			id = c.readUpTo[viewerID]
		}
	})
	return id
}
