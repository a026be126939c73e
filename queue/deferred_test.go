package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(id string) PendingDelivery {
	return PendingDelivery{Message: Message{ID: id}}
}

func ids(items []PendingDelivery) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Message.ID)
	}
	return out
}

func TestDeferredFIFO(t *testing.T) {
	d := NewDeferred(10)
	for i := 0; i < 5; i++ {
		require.True(t, d.Push(pending(fmt.Sprintf("m%d", i))))
	}

	assert.Equal(t, []string{"m0", "m1"}, ids(d.PopN(2)))
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(d.PopN(10)))
	assert.Equal(t, 0, d.Len())
	assert.Nil(t, d.PopN(1))
}

func TestDeferredRejectsWhenFull(t *testing.T) {
	d := NewDeferred(2)
	assert.True(t, d.Push(pending("a")))
	assert.True(t, d.Push(pending("b")))
	assert.False(t, d.Push(pending("c")))
	assert.Equal(t, 2, d.Len())
	assert.Equal(t, []string{"a", "b"}, ids(d.PopN(2)))
}

func TestDeferredZeroCapacity(t *testing.T) {
	d := NewDeferred(0)
	assert.False(t, d.Push(pending("a")))
	assert.Equal(t, 0, d.Cap())
}

func TestDeferredRestore(t *testing.T) {
	d := NewDeferred(4)
	for _, id := range []string{"a", "b", "c"} {
		d.Push(pending(id))
	}
	batch := d.PopN(2)
	d.Push(pending("d"))

	overflow := d.Restore(batch)
	assert.Empty(t, overflow)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(d.PopN(4)))
}

func TestDeferredRestoreOverflow(t *testing.T) {
	d := NewDeferred(3)
	for _, id := range []string{"a", "b", "c"} {
		d.Push(pending(id))
	}
	batch := d.PopN(3)
	d.Push(pending("x"))
	d.Push(pending("y"))

	overflow := d.Restore(batch)
	assert.Equal(t, []string{"b", "c"}, ids(overflow))
	assert.Equal(t, 3, d.Len())
	assert.Equal(t, []string{"a", "x", "y"}, ids(d.PopN(3)))
}
