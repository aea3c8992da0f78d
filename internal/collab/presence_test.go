package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type expireRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *expireRecorder) record(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *expireRecorder) expired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestPresenceExpiresSilentConnection(t *testing.T) {
	rec := &expireRecorder{}
	p := NewPresence(zaptest.NewLogger(t), 50*time.Millisecond, rec.record)
	defer p.Stop()

	p.Track("conn1")

	require.Eventually(t, func() bool {
		return len(rec.expired()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"conn1"}, rec.expired())

	// Expiry fires once per connection, not per sweep.
	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.expired(), 1)
}

func TestPresenceHeartbeatKeepsAlive(t *testing.T) {
	rec := &expireRecorder{}
	p := NewPresence(zaptest.NewLogger(t), 60*time.Millisecond, rec.record)
	defer p.Stop()

	p.Track("conn1")
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		p.Heartbeat("conn1")
		time.Sleep(15 * time.Millisecond)
	}
	assert.Empty(t, rec.expired(), "a heartbeating connection must not expire")
}

func TestPresenceForget(t *testing.T) {
	rec := &expireRecorder{}
	p := NewPresence(zaptest.NewLogger(t), 40*time.Millisecond, rec.record)
	defer p.Stop()

	p.Track("conn1")
	p.Forget("conn1")

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, rec.expired(), "a forgotten connection must not expire")
}

func TestPresenceStopIdempotent(t *testing.T) {
	p := NewPresence(zaptest.NewLogger(t), time.Second, func(string) {})
	p.Stop()
	p.Stop()
}
