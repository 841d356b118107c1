package docker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dyluth/warren/internal/config"
)

func TestBuildLabels(t *testing.T) {
	labels := BuildLabels("generator")

	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, "generator", labels[LabelCollaborator])
	assert.Len(t, labels, 2)
}

func TestContainerName(t *testing.T) {
	name1 := ContainerName("tester")
	name2 := ContainerName("tester")

	assert.True(t, strings.HasPrefix(name1, "warren-tester-"))
	assert.True(t, strings.HasPrefix(name2, "warren-tester-"))

	// Each run gets its own container
	assert.NotEqual(t, name1, name2)
}

func TestNeeded(t *testing.T) {
	testCases := []struct {
		name      string
		generator string
		tester    string
		expected  bool
	}{
		{"both exec", "exec", "exec", false},
		{"docker generator", "docker", "exec", true},
		{"docker tester", "exec", "docker", true},
		{"both docker", "docker", "docker", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collaborators := config.CollaboratorsConfig{
				Generator: config.CollaboratorConfig{Kind: tc.generator},
				Tester:    config.CollaboratorConfig{Kind: tc.tester},
			}
			assert.Equal(t, tc.expected, Needed(collaborators))
		})
	}
}
