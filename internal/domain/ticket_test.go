package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketCloneCopiesNestedMetadata(t *testing.T) {
	assignee := "hero-1"
	original := Ticket{
		ID:         "t-1",
		AssignedTo: &assignee,
		Objectives: []string{"Contain the fire"},
		Metadata: map[string]any{
			MetadataAIAnalysis: map[string]any{
				"priority_assessment": map[string]any{"level": "ALPHA"},
				"hero_matches":        []any{map[string]any{"hero_id": "hero-1"}},
				"required_powers":     []string{"flight"},
			},
			MetadataMissionID: "m-1",
		},
	}

	clone := original.Clone()
	analysis := clone.Metadata[MetadataAIAnalysis].(map[string]any)
	analysis["priority_assessment"].(map[string]any)["level"] = "OMEGA"
	analysis["hero_matches"].([]any)[0].(map[string]any)["hero_id"] = "hero-2"
	analysis["required_powers"].([]string)[0] = "telepathy"
	clone.Metadata[MetadataMissionID] = "m-2"
	*clone.AssignedTo = "hero-3"
	clone.Objectives[0] = "Let it burn"

	kept := original.Metadata[MetadataAIAnalysis].(map[string]any)
	assert.Equal(t, "ALPHA", kept["priority_assessment"].(map[string]any)["level"])
	assert.Equal(t, "hero-1", kept["hero_matches"].([]any)[0].(map[string]any)["hero_id"])
	assert.Equal(t, []string{"flight"}, kept["required_powers"])
	assert.Equal(t, "m-1", original.Metadata[MetadataMissionID])
	assert.Equal(t, "hero-1", *original.AssignedTo)
	assert.Equal(t, []string{"Contain the fire"}, original.Objectives)
}

func TestTicketCloneKeepsNilMetadata(t *testing.T) {
	clone := Ticket{ID: "t-1"}.Clone()
	require.Nil(t, clone.Metadata)
}
