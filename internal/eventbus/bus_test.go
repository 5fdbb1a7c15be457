package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: CheckCompleted, Data: 3})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, CheckCompleted, e.Type)
		assert.False(t, e.Time.IsZero())
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	require.Equal(t, "a", (<-ch).Type)
	assert.Equal(t, uint64(2), b.(Dropper).Dropped())

	unsub()
	unsub()
	b.Publish(Event{Type: "after"})
	_, ok := <-ch
	assert.False(t, ok)
}
