package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	var order []int

	f.AfterFunc(2*time.Minute, func() { order = append(order, 2) })
	f.AfterFunc(time.Minute, func() { order = append(order, 1) })
	ch := f.After(90 * time.Second)

	f.Advance(time.Minute)
	assert.Equal(t, []int{1}, order)
	assert.Equal(t, 2, f.Pending())

	f.Advance(time.Minute)
	assert.Equal(t, []int{1, 2}, order)
	select {
	case <-ch:
	default:
		t.Fatal("After channel did not fire")
	}
	assert.Equal(t, 0, f.Pending())
}

func TestFake_Stop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	fired := false
	timer := f.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	f.Advance(time.Hour)
	assert.False(t, fired)
}

func TestFake_NextDeadline(t *testing.T) {
	start := time.Unix(100, 0)
	f := NewFake(start)
	_, ok := f.NextDeadline()
	assert.False(t, ok)

	f.AfterFunc(time.Hour, func() {})
	f.AfterFunc(5*time.Minute, func() {})
	next, ok := f.NextDeadline()
	assert.True(t, ok)
	assert.Equal(t, start.Add(5*time.Minute), next)
}
