// Package executor coordinates sandboxed execution requests: validation,
// per-project/per-user concurrency caps, status transitions, persistence
// and live status publication.
package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/fault"
	"github.com/michaelbrown/crucible/internal/language"
	"github.com/michaelbrown/crucible/internal/sandbox"
	"github.com/michaelbrown/crucible/internal/storage"
)

// Request is an execution request. Immutable once accepted.
type Request struct {
	ProjectID      string
	FileID         string
	UserID         string
	Language       string
	Source         string
	Stdin          string
	TimeoutSeconds int
}

// Result is the terminal outcome returned to the caller.
type Result struct {
	ID          string
	Status      sandbox.Status
	Stdout      string
	Stderr      string
	ExitCode    int
	Truncated   bool
	WallTime    time.Duration
	MemoryBytes int64
	CreatedAt   time.Time
}

// Runner is the sandbox contract the coordinator drives.
type Runner interface {
	Run(ctx context.Context, inv sandbox.Invocation, spec sandbox.Spec) (*sandbox.Result, error)
}

// StatusUpdate is pushed to connected clients on every transition.
type StatusUpdate struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectId"`
	Status    sandbox.Status `json:"status"`
}

// Broadcaster publishes live execution status to a project's connected
// participants. Implementations must not block.
type Broadcaster interface {
	PublishExecution(projectID string, update StatusUpdate)
}

// Options tune a Coordinator.
type Options struct {
	MaxPerProject int
	MaxPerUser    int
	MaxTimeoutSec int
}

// Coordinator accepts execution requests and drives them through the
// sandbox. One in-flight request maps to exactly one sandbox process.
type Coordinator struct {
	log       *zap.Logger
	languages *language.Registry
	runner    Runner
	store     storage.Store
	broadcast Broadcaster // may be nil
	opts      Options

	mu         sync.Mutex
	perProject map[string]int
	perUser    map[string]int
	running    map[string]context.CancelFunc
}

// New creates a Coordinator. broadcast may be nil.
func New(log *zap.Logger, languages *language.Registry, runner Runner, store storage.Store, broadcast Broadcaster, opts Options) *Coordinator {
	if opts.MaxTimeoutSec <= 0 || opts.MaxTimeoutSec > 30 {
		opts.MaxTimeoutSec = 30
	}
	return &Coordinator{
		log:        log,
		languages:  languages,
		runner:     runner,
		store:      store,
		broadcast:  broadcast,
		opts:       opts,
		perProject: make(map[string]int),
		perUser:    make(map[string]int),
		running:    make(map[string]context.CancelFunc),
	}
}

// Submit validates req, runs it in the sandbox and returns the terminal
// result. The caller blocks until the sandbox resolves; requests beyond
// the concurrency caps are rejected immediately with RATE_LIMITED.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req, c.opts.MaxTimeoutSec); err != nil {
		return nil, err
	}

	adapter, err := c.languages.Resolve(req.Language)
	if err != nil {
		return nil, err
	}

	if err := c.acquire(req.ProjectID, req.UserID); err != nil {
		return nil, err
	}
	defer c.release(req.ProjectID, req.UserID)

	res := &Result{
		ID:        uuid.New().String(),
		Status:    sandbox.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	c.transition(ctx, req, res, sandbox.StatusPending)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.running[res.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, res.ID)
		c.mu.Unlock()
	}()

	c.transition(ctx, req, res, sandbox.StatusRunning)

	inv := sandbox.Invocation{FileName: adapter.FileName, Compile: adapter.Compile, Run: adapter.Run}
	spec := sandbox.Spec{
		Source:  req.Source,
		Stdin:   req.Stdin,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	}

	sres, runErr := c.runner.Run(runCtx, inv, spec)
	if runErr != nil {
		res.Status = sandbox.StatusFailed
		res.Stderr = safeFailureMessage(runErr)
		res.ExitCode = -1
		c.transition(ctx, req, res, sandbox.StatusFailed)
		c.log.Error("sandbox run failed",
			zap.String("execution_id", res.ID),
			zap.String("project_id", req.ProjectID),
			zap.Error(runErr))
		return res, runErr
	}

	res.Stdout = sres.Stdout
	res.Stderr = sres.Stderr
	res.ExitCode = sres.ExitCode
	res.Truncated = sres.Truncated
	res.WallTime = sres.WallTime
	res.MemoryBytes = sres.MemoryBytes
	c.transition(ctx, req, res, sres.Status)

	return res, nil
}

// Cancel requests cooperative cancellation of a running execution.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	cancel, ok := c.running[id]
	c.mu.Unlock()
	if !ok {
		return fault.Newf(fault.CodeValidation, "execution %s is not running", id)
	}
	cancel()
	return nil
}

// CancelAll cancels every in-flight execution; used on shutdown.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.running {
		cancel()
	}
}

// transition records a status change: persisted via the storage
// collaborator (degraded-but-served on failure) and pushed to the
// broadcaster when one is wired.
func (c *Coordinator) transition(ctx context.Context, req Request, res *Result, status sandbox.Status) {
	res.Status = status

	rec := &storage.Execution{
		ID:          res.ID,
		ProjectID:   req.ProjectID,
		FileID:      req.FileID,
		UserID:      req.UserID,
		Language:    req.Language,
		Status:      string(status),
		Stdout:      res.Stdout,
		Stderr:      res.Stderr,
		ExitCode:    res.ExitCode,
		Truncated:   res.Truncated,
		WallTimeMS:  res.WallTime.Milliseconds(),
		MemoryBytes: res.MemoryBytes,
		CreatedAt:   res.CreatedAt,
	}
	if err := c.store.SaveExecution(ctx, rec); err != nil {
		c.log.Warn("persisting execution status failed",
			zap.String("execution_id", res.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	if c.broadcast != nil {
		c.broadcast.PublishExecution(req.ProjectID, StatusUpdate{
			ID:        res.ID,
			ProjectID: req.ProjectID,
			Status:    status,
		})
	}
}

func (c *Coordinator) acquire(projectID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perProject[projectID] >= c.opts.MaxPerProject {
		return fault.Newf(fault.CodeRateLimited, "project %s has %d executions in flight", projectID, c.perProject[projectID])
	}
	if c.perUser[userID] >= c.opts.MaxPerUser {
		return fault.Newf(fault.CodeRateLimited, "user %s has %d executions in flight", userID, c.perUser[userID])
	}
	c.perProject[projectID]++
	c.perUser[userID]++
	return nil
}

func (c *Coordinator) release(projectID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perProject[projectID]--; c.perProject[projectID] <= 0 {
		delete(c.perProject, projectID)
	}
	if c.perUser[userID]--; c.perUser[userID] <= 0 {
		delete(c.perUser, userID)
	}
}

func validate(req Request, maxTimeoutSec int) error {
	switch {
	case strings.TrimSpace(req.ProjectID) == "":
		return fault.New(fault.CodeValidation, "projectId is required")
	case strings.TrimSpace(req.FileID) == "":
		return fault.New(fault.CodeValidation, "fileId is required")
	case strings.TrimSpace(req.UserID) == "":
		return fault.New(fault.CodeValidation, "userId is required")
	case strings.TrimSpace(req.Language) == "":
		return fault.New(fault.CodeValidation, "language is required")
	case req.Source == "":
		return fault.New(fault.CodeValidation, "sourceCode is required")
	case req.TimeoutSeconds < 1 || req.TimeoutSeconds > maxTimeoutSec:
		return fault.Newf(fault.CodeValidation, "timeoutSeconds must be in 1..%d", maxTimeoutSec)
	}
	return nil
}

// safeFailureMessage maps infrastructure faults to client-safe text; raw
// errors can leak process-internal paths.
func safeFailureMessage(err error) string {
	switch fault.CodeOf(err) {
	case fault.CodeToolchain:
		return "language toolchain unavailable"
	default:
		return "internal execution error"
	}
}
