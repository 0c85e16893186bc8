package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_PublishOrderAndUnsubscribe(t *testing.T) {
	b := NewBus[int]()
	var got []string

	s1 := b.Subscribe(func(v int) { got = append(got, "a") })
	b.Subscribe(func(v int) { got = append(got, "b") })
	assert.Equal(t, 2, b.Len())

	b.Publish(1)
	assert.Equal(t, []string{"a", "b"}, got)

	s1.Unsubscribe()
	s1.Unsubscribe()
	got = nil
	b.Publish(2)
	assert.Equal(t, []string{"b"}, got)
	assert.Equal(t, 1, b.Len())
}

func TestBus_UnsubscribeDuringPublish(t *testing.T) {
	b := NewBus[string]()
	var sub *Subscription
	calls := 0
	sub = b.Subscribe(func(string) {
		calls++
		sub.Unsubscribe()
	})
	b.Publish("x")
	b.Publish("y")
	assert.Equal(t, 1, calls)
}
