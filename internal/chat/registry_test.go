package chat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "convsync/pkg/errors"
)

func TestRegistry_AcquireRelease(t *testing.T) {
	key := Key{ConversationID: 7, ViewerID: 1}
	topic := Topic(7)

	t.Run("reference counted over one subscription", func(t *testing.T) {
		tr := newFakeTransport()
		r := NewRegistry(tr, NewCache(), RegistryOptions{})

		h1, err := r.Acquire(key, nil)
		require.NoError(t, err)
		h2, err := r.Acquire(key, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, tr.subscribes[topic])
		assert.Equal(t, 2, r.Refs(key))

		r.Release(h1)
		r.Release(h1)
		assert.Equal(t, 0, tr.unsubscribes[topic])
		assert.Equal(t, 1, r.Refs(key))

		r.Release(h2)
		assert.Equal(t, 1, tr.unsubscribes[topic])
		assert.Empty(t, r.Keys())
	})

	t.Run("not connected is returned, not queued", func(t *testing.T) {
		tr := newFakeTransport()
		tr.connected = false
		r := NewRegistry(tr, NewCache(), RegistryOptions{})

		h, err := r.Acquire(key, nil)
		assert.Nil(t, h)
		assert.True(t, errors.Is(err, appErrors.ErrNotConnected))
		assert.Empty(t, r.Keys())
	})

	t.Run("viewers are scoped separately", func(t *testing.T) {
		tr := newFakeTransport()
		r := NewRegistry(tr, NewCache(), RegistryOptions{})
		_, err := r.Acquire(Key{ConversationID: 7, ViewerID: 1}, nil)
		require.NoError(t, err)
		_, err = r.Acquire(Key{ConversationID: 7, ViewerID: 2}, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, tr.active(topic))
	})
}

func TestRegistry_Delivery(t *testing.T) {
	key := Key{ConversationID: 7, ViewerID: 1}
	topic := Topic(7)

	t.Run("cache is updated before listeners run", func(t *testing.T) {
		tr := newFakeTransport()
		cache := NewCache()
		r := NewRegistry(tr, cache, RegistryOptions{})

		var seen [][]int64
		_, err := r.Acquire(key, func(ch Change) {
			seen = append(seen, ids(cache.Read(key)))
		})
		require.NoError(t, err)

		tr.deliver(topic, frame(confirmed(101, 7, 2, "a", 1)))
		tr.deliver(topic, frame(confirmed(102, 7, 2, "b", 2)))
		tr.deliver(topic, frame(confirmed(101, 7, 2, "a", 1)))

		assert.Equal(t, [][]int64{{101}, {101, 102}}, seen, "duplicates do not notify")
		assert.Equal(t, []int64{101, 102}, ids(cache.Read(key)))
	})

	t.Run("released handle stops its listener only", func(t *testing.T) {
		tr := newFakeTransport()
		r := NewRegistry(tr, NewCache(), RegistryOptions{})

		var a, b int
		ha, _ := r.Acquire(key, func(Change) { a++ })
		_, _ = r.Acquire(key, func(Change) { b++ })
		tr.deliver(topic, frame(confirmed(1, 7, 2, "x", 1)))
		r.Release(ha)
		tr.deliver(topic, frame(confirmed(2, 7, 2, "y", 2)))

		assert.Equal(t, 1, a)
		assert.Equal(t, 2, b)
	})

	t.Run("malformed frames are dropped", func(t *testing.T) {
		tr := newFakeTransport()
		cache := NewCache()
		var dropped []error
		r := NewRegistry(tr, cache, RegistryOptions{OnMalformed: func(_ string, err error) { dropped = append(dropped, err) }})
		_, err := r.Acquire(key, nil)
		require.NoError(t, err)

		tr.deliver(topic, []byte(`{not json`))
		tr.deliver(topic, []byte(`{"id":0,"conversationId":7,"senderId":2,"type":"TEXT"}`))
		tr.deliver(topic, frame(confirmed(3, 8, 2, "wrong conversation", 1)))
		tr.deliver(topic, frame(confirmed(4, 7, 2, "fine", 1)))

		require.Len(t, dropped, 3)
		assert.True(t, errors.Is(dropped[0], appErrors.ErrMalformedFrame))
		assert.Equal(t, []int64{4}, ids(cache.Read(key)))
	})

	t.Run("no duplicate across subscribe cycles", func(t *testing.T) {
		tr := newFakeTransport()
		cache := NewCache()
		r := NewRegistry(tr, cache, RegistryOptions{})

		h, _ := r.Acquire(key, nil)
		tr.deliver(topic, frame(confirmed(101, 7, 2, "a", 1)))
		r.Release(h)
		_, err := r.Acquire(key, nil)
		require.NoError(t, err)
		tr.deliver(topic, frame(confirmed(101, 7, 2, "a", 1)))

		assert.Equal(t, []int64{101}, ids(cache.Read(key)))
	})
}

func TestRegistry_Resubscribe(t *testing.T) {
	tr := newFakeTransport()
	cache := NewCache()
	var active []int
	r := NewRegistry(tr, cache, RegistryOptions{OnChange: func(n int) { active = append(active, n) }})

	_, err := r.Acquire(Key{ConversationID: 7, ViewerID: 1}, nil)
	require.NoError(t, err)
	_, err = r.Acquire(Key{ConversationID: 9, ViewerID: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, active)

	tr.drop()
	assert.Error(t, r.Resubscribe())
	assert.Len(t, r.Keys(), 2, "keys survive a failed resubscribe")

	tr.connected = true
	require.NoError(t, r.Resubscribe())
	assert.Equal(t, 1, tr.active(Topic(7)))
	assert.Equal(t, 1, tr.active(Topic(9)))

	tr.deliver(Topic(9), frame(confirmed(900, 9, 2, "back", 1)))
	assert.Equal(t, []int64{900}, ids(cache.Read(Key{ConversationID: 9, ViewerID: 1})))
}

func TestRegistry_ResubscribeOnLiveConnectionDoesNotDouble(t *testing.T) {
	tr := newFakeTransport()
	r := NewRegistry(tr, NewCache(), RegistryOptions{})
	key := Key{ConversationID: 7, ViewerID: 1}

	_, err := r.Acquire(key, nil)
	require.NoError(t, err)
	require.NoError(t, r.Resubscribe())

	assert.Equal(t, 1, tr.active(Topic(7)))
	assert.Equal(t, 1, tr.unsubscribes[Topic(7)])
	assert.Equal(t, 1, r.Refs(key))
}

func TestRegistry_AcquireRenewsSubscriptionLostOnResubscribe(t *testing.T) {
	tr := newFakeTransport()
	cache := NewCache()
	r := NewRegistry(tr, cache, RegistryOptions{})
	key := Key{ConversationID: 7, ViewerID: 1}

	first, err := r.Acquire(key, nil)
	require.NoError(t, err)

	// the live subscription is torn down, then renewing it fails
	tr.connected = false
	assert.Error(t, r.Resubscribe())
	assert.Zero(t, tr.active(Topic(7)))

	_, err = r.Acquire(key, nil)
	assert.ErrorIs(t, err, appErrors.ErrNotConnected)
	assert.Equal(t, 1, r.Refs(key), "a failed acquire takes no reference")

	tr.connected = true
	second, err := r.Acquire(key, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.active(Topic(7)))
	assert.Equal(t, 2, r.Refs(key))

	tr.deliver(Topic(7), frame(confirmed(70, 7, 2, "hi", 1)))
	assert.Equal(t, []int64{70}, ids(cache.Read(key)))

	r.Release(first)
	r.Release(second)
	assert.Zero(t, tr.active(Topic(7)))
}
