package server

import (
	"encoding/json"

	"github.com/michaelbrown/crucible/internal/collab"
	"github.com/michaelbrown/crucible/internal/executor"
)

// ExecutionBroadcaster adapts the collaboration hub to the coordinator's
// Broadcaster contract so connected clients see live execution status.
type ExecutionBroadcaster struct {
	Hub *collab.Registry
}

func (b ExecutionBroadcaster) PublishExecution(projectID string, update executor.StatusUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	b.Hub.PublishProject(projectID, string(payload))
}
