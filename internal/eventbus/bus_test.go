package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Emit(b, TypePublishSucceeded, DeliveryEvent{PostID: "p", ChannelID: "c"})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		assert.Equal(t, TypePublishSucceeded, e.Type)
		assert.False(t, e.Time.IsZero())
		d, ok := e.Data.(DeliveryEvent)
		require.True(t, ok)
		assert.Equal(t, "c", d.ChannelID)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	assert.Equal(t, uint64(9), Dropped(b))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}

func TestEmitNilBus(t *testing.T) {
	Emit(nil, "ignored", nil)
}
