package collab

import (
	"context"
	"fmt"
)

// Role is a participant's resolved permission within a project.
type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleAdmin Role = "admin"
)

// CanWrite reports whether the role may originate edits.
func (r Role) CanWrite() bool {
	return r == RoleWrite || r == RoleAdmin
}

// ParseRole validates a role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleRead, RoleWrite, RoleAdmin:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// RoleResolver is the identity collaborator: the hub never inspects
// credentials, it receives a resolved role per project and user.
type RoleResolver interface {
	ResolveRole(ctx context.Context, projectID, userID string) (Role, error)
}

// StaticRoles resolves roles from a fixed table, with a default for
// users absent from it. Backed by configuration.
type StaticRoles struct {
	Default  Role
	Projects map[string]map[string]Role
}

func (s StaticRoles) ResolveRole(_ context.Context, projectID, userID string) (Role, error) {
	if users, ok := s.Projects[projectID]; ok {
		if role, ok := users[userID]; ok {
			return role, nil
		}
	}
	if s.Default == "" {
		return RoleRead, nil
	}
	return s.Default, nil
}
