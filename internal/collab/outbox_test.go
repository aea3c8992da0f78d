package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutboxTrySendBounded(t *testing.T) {
	o := NewOutbox(2)
	assert.True(t, o.TrySend(Frame{Type: FrameEvent, Seq: 1}))
	assert.True(t, o.TrySend(Frame{Type: FrameEvent, Seq: 2}))
	assert.False(t, o.TrySend(Frame{Type: FrameEvent, Seq: 3}), "a full queue never blocks")

	f := <-o.Frames()
	assert.Equal(t, uint64(1), f.Seq)
	assert.True(t, o.TrySend(Frame{Type: FrameEvent, Seq: 4}))
}

func TestOutboxClose(t *testing.T) {
	o := NewOutbox(4)
	o.TrySend(Frame{Type: FrameEvent, Seq: 1})
	o.Close()
	o.Close() // idempotent

	assert.False(t, o.TrySend(Frame{Type: FrameEvent, Seq: 2}))

	// Queued frames drain, then the channel reports closed.
	f, ok := <-o.Frames()
	assert.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)
	_, ok = <-o.Frames()
	assert.False(t, ok)
}
