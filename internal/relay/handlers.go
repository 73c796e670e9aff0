package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type conversationView struct {
	ID           int64   `json:"id"`
	Participants []int64 `json:"participants"`
	LastMessage  *record `json:"lastMessage,omitempty"`
	UnreadCount  int     `json:"unreadCount"`
}

type startConversationRequest struct {
	Participants []int64 `json:"participants"`
}

var (
	errNoConversation = errors.New("conversation not found")
	errNotParticipant = errors.New("not a participant")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.users.Register(req.Username, req.Password)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errUserExists) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "username": req.Username})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.users.Login(req.Username, req.Password)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := viewer(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	p := &peer{
		hub:      s.hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		userID:   userID,
		username: username,
	}
	select {
	case s.hub.register <- p:
	case <-s.hub.quit:
		conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := viewer(r)
	var out []conversationView
	s.hub.do(func() {
		for _, c := range s.hub.conversations {
			if c.participants[userID] {
				out = append(out, s.hub.viewOf(c, userID))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if out == nil {
		out = []conversationView{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) startConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := viewer(r)
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var view conversationView
	s.hub.do(func() {
		id := s.hub.create(append(req.Participants, userID))
		view = s.hub.viewOf(s.hub.conversations[id], userID)
	})
	writeJSON(w, http.StatusCreated, view)
}

// history serves one page of messages, newest page first, each page in
// ascending order.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := viewer(r)
	convID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	page, size := pageParams(r)

	var (
		out  []record
		herr error
	)
	s.hub.do(func() {
		c, err := s.hub.member(convID, userID)
		if err != nil {
			herr = err
			return
		}
		end := len(c.history) - page*size
		if end <= 0 {
			return
		}
		start := max(end-size, 0)
		for _, rec := range c.history[start:end] {
			out = append(out, c.view(rec, userID))
		}
	})
	if herr != nil {
		writeMemberError(w, herr)
		return
	}
	if out == nil {
		out = []record{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := viewer(r)
	convID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	var herr error
	s.hub.do(func() {
		c, err := s.hub.member(convID, userID)
		if err != nil {
			herr = err
			return
		}
		if n := len(c.history); n > 0 {
			c.readUpTo[userID] = c.history[n-1].ID
		}
	})
	if herr != nil {
		writeMemberError(w, herr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeMemberError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoConversation):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, errNotParticipant):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pageParams(r *http.Request) (page, size int) {
	size = defaultPageSize
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 {
		size = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	return page, size
}

// ---------------------------------------------
// Hub-side helpers (hub goroutine only)
// ---------------------------------------------

func (h *hub) create(participants []int64) int64 {
	var id int64 = 1
	for existing := range h.conversations {
		if existing >= id {
			id = existing + 1
		}
	}
	c := h.conversation(id)
	for _, p := range participants {
		c.participants[p] = true
	}
	return id
}

func (h *hub) member(convID, userID int64) (*conversation, error) {
	c, ok := h.conversations[convID]
	if !ok {
		return nil, errNoConversation
	}
	if !c.participants[userID] {
		return nil, errNotParticipant
	}
	return c, nil
}

func (h *hub) viewOf(c *conversation, viewer int64) conversationView {
	v := conversationView{ID: c.id, Participants: c.members(), UnreadCount: c.unread(viewer)}
	if n := len(c.history); n > 0 {
		last := c.view(c.history[n-1], viewer)
		v.LastMessage = &last
	}
	return v
}
