package chat

import (
	"encoding/json"
	"sort"
	"time"

	appErrors "convsync/pkg/errors"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func confirmed(id, conv, sender int64, content string, sec int) Message {
	return Message{ID: id, ConversationID: conv, SenderID: sender, Content: content, Type: ContentText, CreatedAt: at(sec)}
}

func frame(m Message) []byte {
	b, _ := json.Marshal(map[string]any{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"content":        m.Content,
		"type":           m.Type,
		"isRead":         m.IsRead,
		"createdAt":      m.CreatedAt,
		"clientId":       m.ClientID,
	})
	return b
}

type fakeSub struct {
	topic   string
	handler func([]byte)
}

// fakeTransport stands in for the transport session.
type fakeTransport struct {
	connected    bool
	subs         map[int]fakeSub
	next         int
	subscribes   map[string]int
	unsubscribes map[string]int
	published    []Envelope
	publishErr   error
	failures     []func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		connected:    true,
		subs:         make(map[int]fakeSub),
		subscribes:   make(map[string]int),
		unsubscribes: make(map[string]int),
	}
}

func (f *fakeTransport) Subscribe(topic string, h func([]byte)) (func(), error) {
	if !f.connected {
		return nil, appErrors.ErrNotConnected
	}
	f.next++
	id := f.next
	f.subs[id] = fakeSub{topic: topic, handler: h}
	f.subscribes[topic]++
	return func() {
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			f.unsubscribes[topic]++
		}
	}, nil
}

func (f *fakeTransport) PublishTracked(dest string, payload any, onFailure func(error)) error {
	if !f.connected {
		return appErrors.ErrNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, payload.(Envelope))
	f.failures = append(f.failures, onFailure)
	return nil
}

func (f *fakeTransport) deliver(topic string, body []byte) {
	ids := make([]int, 0, len(f.subs))
	for id, s := range f.subs {
		if s.topic == topic {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	for _, id := range ids {
		f.subs[id].handler(body)
	}
}

// drop simulates connection loss: the server forgets every subscription.
func (f *fakeTransport) drop() {
	f.connected = false
	f.subs = make(map[int]fakeSub)
}

func (f *fakeTransport) active(topic string) int {
	n := 0
	for _, s := range f.subs {
		if s.topic == topic {
			n++
		}
	}
	return n
}

func ids(msgs []Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
