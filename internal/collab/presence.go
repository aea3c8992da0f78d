package collab

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Presence tracks participant liveness per connection. A connection that
// misses its heartbeat deadline is expired through the same removal path
// as an explicit leave.
type Presence struct {
	log      *zap.Logger
	timeout  time.Duration
	onExpire func(connID string)

	mu        sync.Mutex
	deadlines map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPresence creates a tracker and starts its sweep loop. onExpire is
// invoked once per expired connection.
func NewPresence(log *zap.Logger, timeout time.Duration, onExpire func(connID string)) *Presence {
	p := &Presence{
		log:       log,
		timeout:   timeout,
		onExpire:  onExpire,
		deadlines: make(map[string]time.Time),
		stop:      make(chan struct{}),
	}
	go p.sweep()
	return p
}

// Track starts liveness accounting for a connection.
func (p *Presence) Track(connID string) {
	p.Heartbeat(connID)
}

// Heartbeat pushes a connection's deadline out. Any inbound traffic
// counts as a heartbeat.
func (p *Presence) Heartbeat(connID string) {
	p.mu.Lock()
	p.deadlines[connID] = time.Now().Add(p.timeout)
	p.mu.Unlock()
}

// Forget stops tracking a connection that disconnected explicitly.
func (p *Presence) Forget(connID string) {
	p.mu.Lock()
	delete(p.deadlines, connID)
	p.mu.Unlock()
}

// Stop halts the sweep loop.
func (p *Presence) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Presence) sweep() {
	interval := p.timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.mu.Lock()
			var expired []string
			for id, deadline := range p.deadlines {
				if now.After(deadline) {
					expired = append(expired, id)
					delete(p.deadlines, id)
				}
			}
			p.mu.Unlock()

			for _, id := range expired {
				p.log.Info("connection expired: heartbeat timeout", zap.String("connection_id", id))
				p.onExpire(id)
			}
		}
	}
}
