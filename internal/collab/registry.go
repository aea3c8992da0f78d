package collab

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/fault"
	"github.com/michaelbrown/crucible/internal/storage"
)

// RegistryOptions tune the hub.
type RegistryOptions struct {
	// QueueSize bounds each participant's outbound queue.
	QueueSize int
	// MaxTerminalBytes bounds retained terminal scrollback per session.
	MaxTerminalBytes int
}

// Registry tracks live sessions: created on first join, destroyed when
// the last participant leaves (canonical state is persisted then, and a
// later join rehydrates it, continuing from the persisted sequence).
type Registry struct {
	log   *zap.Logger
	store storage.Store
	roles RoleResolver
	opts  RegistryOptions

	mu       sync.Mutex
	sessions map[string]*session
	conns    map[string]map[string]struct{} // connID -> session IDs
}

// NewRegistry creates the hub.
func NewRegistry(log *zap.Logger, store storage.Store, roles RoleResolver, opts RegistryOptions) *Registry {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Registry{
		log:      log,
		store:    store,
		roles:    roles,
		opts:     opts,
		sessions: make(map[string]*session),
		conns:    make(map[string]map[string]struct{}),
	}
}

// NewOutbox creates a participant queue sized for this hub. The
// transport owns one per connection.
func (r *Registry) NewOutbox() *Outbox {
	return NewOutbox(r.opts.QueueSize)
}

// Join adds a connection to the session for a project surface, creating
// or rehydrating the session as needed. The returned snapshot is also
// queued on the participant's outbox ahead of any subsequent event.
func (r *Registry) Join(ctx context.Context, projectID, surfaceID string, kind SurfaceKind, connID, userID string, out *Outbox) (Snapshot, error) {
	role, err := r.roles.ResolveRole(ctx, projectID, userID)
	if err != nil {
		return Snapshot{}, fault.Wrap(fault.CodeInternal, "resolving role", err)
	}
	p := Participant{ConnID: connID, UserID: userID, Role: role}
	id := SessionID(projectID, surfaceID)

	for {
		s, err := r.getOrCreate(ctx, id, projectID, surfaceID, kind)
		if err != nil {
			return Snapshot{}, err
		}
		snap, ok := s.join(p, out)
		if !ok {
			// Session shut down between lookup and join; retry on a
			// fresh one.
			r.dropIfCurrent(id, s)
			continue
		}

		r.mu.Lock()
		if r.conns[connID] == nil {
			r.conns[connID] = make(map[string]struct{})
		}
		r.conns[connID][id] = struct{}{}
		r.mu.Unlock()

		r.log.Info("participant joined",
			zap.String("session_id", id),
			zap.String("connection_id", connID),
			zap.String("user_id", userID),
			zap.String("role", string(role)))
		return snap, nil
	}
}

// Apply sequences one event into a session's canonical state and fans it
// out. Returns the assigned sequence number.
func (r *Registry) Apply(sessionID, connID, payload string) (uint64, error) {
	s := r.get(sessionID)
	if s == nil {
		return 0, fault.Newf(fault.CodeValidation, "no live session %s", sessionID)
	}
	rep, ok := s.apply(connID, payload)
	if !ok {
		return 0, fault.Newf(fault.CodeValidation, "no live session %s", sessionID)
	}
	return rep.seq, rep.err
}

// UpdateCursor records an editor participant's cursor and rebroadcasts
// presence. Best effort, never an error.
func (r *Registry) UpdateCursor(sessionID, connID string, c Cursor) {
	if s := r.get(sessionID); s != nil {
		s.cursor(connID, c)
	}
}

// Leave removes a connection from a session. When the last participant
// leaves, canonical state is handed to storage and the session is
// discarded.
func (r *Registry) Leave(ctx context.Context, sessionID, connID string) {
	s := r.get(sessionID)
	if s == nil {
		return
	}

	rep, alive := s.leave(connID)

	r.mu.Lock()
	if set := r.conns[connID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.conns, connID)
		}
	}
	r.mu.Unlock()

	if alive && rep.remaining == 0 {
		r.destroyIfEmpty(ctx, sessionID, s)
	}
}

// Disconnect removes a connection from every session it joined. Explicit
// leave, transport loss and heartbeat timeout all funnel through here,
// so the removal path is identical regardless of why connectivity ended.
func (r *Registry) Disconnect(ctx context.Context, connID string) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns[connID]))
	for id := range r.conns[connID] {
		ids = append(ids, id)
	}
	delete(r.conns, connID)
	r.mu.Unlock()

	for _, id := range ids {
		if s := r.get(id); s != nil {
			rep, alive := s.leave(connID)
			if alive && rep.remaining == 0 {
				r.destroyIfEmpty(ctx, id, s)
			}
		}
	}
}

// PublishProject pushes an unsequenced frame (e.g. live execution
// status) to every participant of every session of a project.
func (r *Registry) PublishProject(projectID, payload string) {
	r.mu.Lock()
	targets := make([]*session, 0, 4)
	for _, s := range r.sessions {
		if s.projectID == projectID {
			targets = append(targets, s)
		}
	}
	r.mu.Unlock()

	for _, s := range targets {
		s.publish(Frame{Type: FrameExecution, SessionID: s.id, Payload: payload})
	}
}

// LiveSessions reports the number of live sessions.
func (r *Registry) LiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown force-closes every session, persisting canonical state.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.sessions = make(map[string]*session)
	r.conns = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, s := range all {
		if st, ok := s.tryClose(true); ok {
			r.persist(ctx, st)
		}
	}
}

func (r *Registry) get(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

func (r *Registry) getOrCreate(ctx context.Context, id, projectID, surfaceID string, kind SurfaceKind) (*session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Rehydrate outside the lock; storage failure degrades to a fresh
	// session at sequence 0 rather than blocking collaboration.
	content, seq := "", uint64(0)
	if st, err := r.store.LoadSessionState(ctx, projectID, surfaceID); err != nil {
		r.log.Warn("loading session state failed, starting empty",
			zap.String("session_id", id), zap.Error(err))
	} else if st != nil {
		content, seq = st.Content, st.Sequence
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s := newSession(r.log, id, projectID, surfaceID, kind, content, seq, r.opts.MaxTerminalBytes,
		func(connID string) {
			// Called from the session actor; detach so the actor never
			// blocks on registry work.
			go r.Disconnect(context.Background(), connID)
		})
	r.sessions[id] = s
	r.log.Info("session created",
		zap.String("session_id", id),
		zap.String("kind", string(kind)),
		zap.Uint64("sequence", seq))
	return s, nil
}

func (r *Registry) destroyIfEmpty(ctx context.Context, id string, s *session) {
	st, ok := s.tryClose(false)
	if !ok {
		return
	}
	r.dropIfCurrent(id, s)
	r.persist(ctx, st)
	r.log.Info("session destroyed", zap.String("session_id", id), zap.Uint64("sequence", st.Sequence))
}

func (r *Registry) dropIfCurrent(id string, s *session) {
	r.mu.Lock()
	if r.sessions[id] == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
}

func (r *Registry) persist(ctx context.Context, st storage.SessionState) {
	if err := r.store.SaveSessionState(ctx, &st); err != nil {
		r.log.Warn("persisting session state failed",
			zap.String("project_id", st.ProjectID),
			zap.String("surface_id", st.SurfaceID),
			zap.Error(err))
	}
}
