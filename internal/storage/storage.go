// Package storage is the persistence contract consumed by the execution
// coordinator and the collaboration hub. The core survives persistence
// failure: callers log and serve degraded rather than blocking live work.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for records that do not exist.
var ErrNotFound = errors.New("not found")

// Execution is a persisted execution outcome. Status transitions are
// upserted as they happen so clients can observe pending/running rows.
type Execution struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	FileID      string    `json:"fileId"`
	UserID      string    `json:"userId"`
	Language    string    `json:"language"`
	Status      string    `json:"status"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	ExitCode    int       `json:"exitCode"`
	Truncated   bool      `json:"truncated"`
	WallTimeMS  int64     `json:"wallTimeMs"`
	MemoryBytes int64     `json:"memoryUsedBytes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SessionState is the persisted canonical state of one collaboration
// surface, written when the last participant leaves and read back when a
// session is rehydrated.
type SessionState struct {
	ProjectID string
	SurfaceID string
	Content   string
	Sequence  uint64
	UpdatedAt time.Time
}

// Store is the persistence interface. Save methods retry transient
// failures a bounded number of times before giving up.
type Store interface {
	// SaveExecution upserts an execution row.
	SaveExecution(ctx context.Context, e *Execution) error

	// GetExecution returns an execution by ID.
	GetExecution(ctx context.Context, id string) (*Execution, error)

	// ListExecutions returns a project's executions, newest first.
	ListExecutions(ctx context.Context, projectID string, limit int) ([]Execution, error)

	// SaveSessionState upserts the canonical state of one surface.
	SaveSessionState(ctx context.Context, s *SessionState) error

	// LoadSessionState returns the persisted state for a surface, or
	// (nil, nil) when none exists.
	LoadSessionState(ctx context.Context, projectID, surfaceID string) (*SessionState, error)

	// Close releases resources.
	Close() error
}
