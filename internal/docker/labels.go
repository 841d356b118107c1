package docker

import (
	"fmt"

	"github.com/google/uuid"
)

// Label keys stamped on every container warren starts. They let operators
// find collaborator containers that outlived the engine:
//
//	docker ps -a --filter label=warren.managed=true
const (
	LabelManaged      = "warren.managed"
	LabelCollaborator = "warren.collaborator"
)

// BuildLabels returns the label set for one collaborator container.
func BuildLabels(collaborator string) map[string]string {
	return map[string]string{
		LabelManaged:      "true",
		LabelCollaborator: collaborator,
	}
}

// ContainerName returns a unique name for one collaborator run. Runs are
// short-lived and never reused, so a random suffix is enough.
func ContainerName(collaborator string) string {
	return fmt.Sprintf("warren-%s-%s", collaborator, uuid.New().String()[:8])
}
