// Package collab is the collaborative session hub: it tracks live
// sessions per project surface, serializes edits into a canonical state
// with gapless sequence numbers, fans events out to participants over
// bounded queues, and evicts participants whose transport stalls.
package collab

import (
	"encoding/json"
	"fmt"
)

// SurfaceKind distinguishes the two collaboration surfaces.
type SurfaceKind string

const (
	SurfaceEditor   SurfaceKind = "editor"
	SurfaceTerminal SurfaceKind = "terminal"
)

// Cursor is an editor participant's cursor and selection anchor.
type Cursor struct {
	Line         int `json:"line"`
	Column       int `json:"column"`
	AnchorLine   int `json:"anchorLine,omitempty"`
	AnchorColumn int `json:"anchorColumn,omitempty"`
}

// Participant is one connected identity within a session.
type Participant struct {
	ConnID string  `json:"connectionId"`
	UserID string  `json:"userId"`
	Role   Role    `json:"role"`
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Snapshot is the consistent baseline a joining participant renders
// before receiving incremental events.
type Snapshot struct {
	SessionID    string        `json:"sessionId"`
	Content      string        `json:"content"`
	Sequence     uint64        `json:"sequence"`
	Participants []Participant `json:"participants"`
}

// Delta is an editor payload: replace Delete bytes at Pos with Insert.
type Delta struct {
	Pos    int    `json:"pos"`
	Delete int    `json:"delete"`
	Insert string `json:"insert"`
}

func parseDelta(payload string) (Delta, error) {
	var d Delta
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return Delta{}, fmt.Errorf("malformed delta: %w", err)
	}
	return d, nil
}

// applyDelta merges a delta into the canonical document. Offsets are
// byte offsets into the current content.
func applyDelta(content string, d Delta) (string, error) {
	if d.Pos < 0 || d.Pos > len(content) {
		return "", fmt.Errorf("delta position %d out of range 0..%d", d.Pos, len(content))
	}
	if d.Delete < 0 || d.Pos+d.Delete > len(content) {
		return "", fmt.Errorf("delta deletes %d bytes past end", d.Delete)
	}
	return content[:d.Pos] + d.Insert + content[d.Pos+d.Delete:], nil
}

// Frame types delivered to participants.
const (
	FrameSnapshot  = "snapshot"
	FrameEvent     = "event"
	FrameJoined    = "participant_joined"
	FrameLeft      = "participant_left"
	FramePresence  = "presence"
	FrameExecution = "execution"
)

// Frame is one outbound message on a participant's queue. Seq is set
// only on FrameEvent; presence and execution frames are unsequenced.
type Frame struct {
	Type        string       `json:"type"`
	SessionID   string       `json:"sessionId,omitempty"`
	Seq         uint64       `json:"sequence,omitempty"`
	Origin      string       `json:"origin,omitempty"`
	Payload     string       `json:"payload,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	Snapshot    *Snapshot    `json:"snapshot,omitempty"`
}

// SessionID derives the canonical session identifier for a surface.
func SessionID(projectID, surfaceID string) string {
	return projectID + "/" + surfaceID
}
