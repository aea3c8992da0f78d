package collab

import (
	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/fault"
	"github.com/michaelbrown/crucible/internal/storage"
)

// session owns the canonical state of one collaboration surface. All
// mutation flows through a single goroutine via the reqs channel, which
// makes Apply the one serialization point: events commit in arrival
// order and sequence numbers come out strictly increasing and gapless.
type session struct {
	id          string
	projectID   string
	surfaceID   string
	kind        SurfaceKind
	log         *zap.Logger
	maxTerminal int
	// onEvict tells the registry a participant was dropped for falling
	// behind. Called from the actor goroutine; must not block.
	onEvict func(connID string)

	reqs chan any
	done chan struct{}

	// Owned by the actor goroutine.
	content string
	seq     uint64
	members map[string]*member
}

type member struct {
	Participant
	out *Outbox
}

func newSession(log *zap.Logger, id, projectID, surfaceID string, kind SurfaceKind, content string, seq uint64, maxTerminal int, onEvict func(string)) *session {
	s := &session{
		id:          id,
		projectID:   projectID,
		surfaceID:   surfaceID,
		kind:        kind,
		log:         log,
		maxTerminal: maxTerminal,
		onEvict:     onEvict,
		reqs:        make(chan any, 64),
		done:        make(chan struct{}),
		content:     content,
		seq:         seq,
		members:     make(map[string]*member),
	}
	go s.run()
	return s
}

// --- commands ---

type joinCmd struct {
	p     Participant
	out   *Outbox
	reply chan Snapshot
}

type applyReply struct {
	seq uint64
	err error
}

type applyCmd struct {
	connID  string
	payload string
	reply   chan applyReply
}

type leaveReply struct {
	removed   bool
	remaining int
}

type leaveCmd struct {
	connID string
	reply  chan leaveReply
}

type cursorCmd struct {
	connID string
	cursor Cursor
}

type publishCmd struct {
	frame Frame
}

type closeReply struct {
	ok    bool
	state storage.SessionState
}

type closeCmd struct {
	force bool
	reply chan closeReply
}

func (s *session) run() {
	for cmd := range s.reqs {
		switch c := cmd.(type) {
		case joinCmd:
			s.handleJoin(c)
		case applyCmd:
			s.handleApply(c)
		case leaveCmd:
			s.handleLeave(c)
		case cursorCmd:
			s.handleCursor(c)
		case publishCmd:
			s.broadcast(c.frame, "")
		case closeCmd:
			if c.force {
				for id, m := range s.members {
					delete(s.members, id)
					m.out.Close()
				}
			}
			if len(s.members) > 0 {
				c.reply <- closeReply{ok: false}
				continue
			}
			c.reply <- closeReply{ok: true, state: s.state()}
			close(s.done)
			return
		}
	}
}

func (s *session) handleJoin(c joinCmd) {
	s.members[c.p.ConnID] = &member{Participant: c.p, out: c.out}

	snap := Snapshot{
		SessionID:    s.id,
		Content:      s.content,
		Sequence:     s.seq,
		Participants: s.participants(),
	}

	// The snapshot goes through the participant's own queue so every
	// later event is observed strictly after it.
	if !c.out.TrySend(Frame{Type: FrameSnapshot, SessionID: s.id, Snapshot: &snap}) {
		// Queue already dead at join time; drop the member without a
		// left broadcast since nobody saw it join.
		delete(s.members, c.p.ConnID)
		c.out.Close()
		if s.onEvict != nil {
			s.onEvict(c.p.ConnID)
		}
	} else {
		s.broadcast(Frame{Type: FrameJoined, SessionID: s.id, Participant: &c.p}, c.p.ConnID)
	}

	c.reply <- snap
}

func (s *session) handleApply(c applyCmd) {
	m, ok := s.members[c.connID]
	if !ok {
		c.reply <- applyReply{err: fault.Newf(fault.CodeValidation, "connection %s is not a participant of %s", c.connID, s.id)}
		return
	}
	if !m.Role.CanWrite() {
		c.reply <- applyReply{err: fault.New(fault.CodeForbidden, "read-only participant cannot originate events")}
		return
	}

	// Merge into canonical state before assigning a sequence number; a
	// rejected payload must leave both untouched.
	switch s.kind {
	case SurfaceTerminal:
		s.content += c.payload
		if s.maxTerminal > 0 && len(s.content) > s.maxTerminal {
			s.content = s.content[len(s.content)-s.maxTerminal:]
		}
	default:
		d, err := parseDelta(c.payload)
		if err != nil {
			c.reply <- applyReply{err: fault.Wrap(fault.CodeValidation, "rejecting edit", err)}
			return
		}
		next, err := applyDelta(s.content, d)
		if err != nil {
			c.reply <- applyReply{err: fault.Wrap(fault.CodeValidation, "rejecting edit", err)}
			return
		}
		s.content = next
	}

	s.seq++
	s.broadcast(Frame{
		Type:      FrameEvent,
		SessionID: s.id,
		Seq:       s.seq,
		Origin:    c.connID,
		Payload:   c.payload,
	}, c.connID)

	c.reply <- applyReply{seq: s.seq}
}

func (s *session) handleLeave(c leaveCmd) {
	m, ok := s.members[c.connID]
	if ok {
		delete(s.members, c.connID)
		s.broadcast(Frame{Type: FrameLeft, SessionID: s.id, Participant: &m.Participant}, "")
	}
	c.reply <- leaveReply{removed: ok, remaining: len(s.members)}
}

func (s *session) handleCursor(c cursorCmd) {
	m, ok := s.members[c.connID]
	if !ok || s.kind != SurfaceEditor {
		return
	}
	cur := c.cursor
	m.Cursor = &cur
	s.broadcast(Frame{Type: FramePresence, SessionID: s.id, Origin: c.connID, Participant: &m.Participant}, c.connID)
}

// broadcast fans a frame out to every member except the origin. A member
// whose queue is full is evicted; delivery to the rest proceeds
// untouched.
func (s *session) broadcast(f Frame, except string) {
	var evicted []string
	for id, m := range s.members {
		if id == except {
			continue
		}
		if !m.out.TrySend(f) {
			evicted = append(evicted, id)
		}
	}
	for _, id := range evicted {
		s.evict(id)
	}
}

func (s *session) evict(connID string) {
	m, ok := s.members[connID]
	if !ok {
		return
	}
	delete(s.members, connID)
	m.out.Close()
	s.log.Warn("participant evicted: outbound queue overflow",
		zap.String("session_id", s.id),
		zap.String("connection_id", connID),
		zap.String("user_id", m.UserID))
	s.broadcast(Frame{Type: FrameLeft, SessionID: s.id, Participant: &m.Participant}, "")
	if s.onEvict != nil {
		s.onEvict(connID)
	}
}

func (s *session) participants() []Participant {
	out := make([]Participant, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m.Participant)
	}
	return out
}

func (s *session) state() storage.SessionState {
	return storage.SessionState{
		ProjectID: s.projectID,
		SurfaceID: s.surfaceID,
		Content:   s.content,
		Sequence:  s.seq,
	}
}

// --- calls from outside the actor ---

// send enqueues a command unless the session has shut down.
func (s *session) send(cmd any) bool {
	select {
	case s.reqs <- cmd:
		return true
	case <-s.done:
		return false
	}
}

// await waits for a reply, preferring a delivered reply over shutdown.
func await[T any](s *session, reply chan T) (T, bool) {
	select {
	case v := <-reply:
		return v, true
	case <-s.done:
		select {
		case v := <-reply:
			return v, true
		default:
			var zero T
			return zero, false
		}
	}
}

func (s *session) join(p Participant, out *Outbox) (Snapshot, bool) {
	reply := make(chan Snapshot, 1)
	if !s.send(joinCmd{p: p, out: out, reply: reply}) {
		return Snapshot{}, false
	}
	return await(s, reply)
}

func (s *session) apply(connID, payload string) (applyReply, bool) {
	reply := make(chan applyReply, 1)
	if !s.send(applyCmd{connID: connID, payload: payload, reply: reply}) {
		return applyReply{}, false
	}
	return await(s, reply)
}

func (s *session) leave(connID string) (leaveReply, bool) {
	reply := make(chan leaveReply, 1)
	if !s.send(leaveCmd{connID: connID, reply: reply}) {
		return leaveReply{}, false
	}
	return await(s, reply)
}

func (s *session) cursor(connID string, c Cursor) {
	s.send(cursorCmd{connID: connID, cursor: c})
}

func (s *session) publish(f Frame) bool {
	return s.send(publishCmd{frame: f})
}

// tryClose shuts the actor down if no participants remain. Returns the
// final state for persistence when it succeeds.
func (s *session) tryClose(force bool) (storage.SessionState, bool) {
	reply := make(chan closeReply, 1)
	if !s.send(closeCmd{force: force, reply: reply}) {
		return storage.SessionState{}, false
	}
	r, ok := await(s, reply)
	if !ok || !r.ok {
		return storage.SessionState{}, false
	}
	return r.state, true
}
