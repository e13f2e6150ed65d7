package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

func TestRender(t *testing.T) {
	t.Run("priority assessment", func(t *testing.T) {
		system, user, err := Render(TemplatePriorityAssessment, map[string]any{
			"title":       "Downtown Incident",
			"description": "A giant robot is marching down Main Street",
		})
		require.NoError(t, err)

		for _, level := range []string{`"OMEGA"`, `"ALPHA"`, `"BETA"`, `"GAMMA"`} {
			assert.Contains(t, system, level)
		}
		assert.Contains(t, system, `"confidence"`)
		assert.Contains(t, user, "Downtown Incident")
		assert.Contains(t, user, "giant robot")
	})

	t.Run("objective generation carries priority", func(t *testing.T) {
		system, user, err := Render(TemplateObjectiveGeneration, map[string]any{
			"title":       "Bank heist",
			"description": "Armed robbers",
			"priority":    "BETA",
		})
		require.NoError(t, err)
		assert.Contains(t, system, `"required_powers"`)
		assert.Contains(t, user, "Assessed priority: BETA")
	})

	t.Run("hero ranking lists candidates", func(t *testing.T) {
		type objective struct {
			Description    string
			RequiredPowers []string
		}
		_, user, err := Render(TemplateHeroRanking, map[string]any{
			"required_powers": []string{"flight", "strength"},
			"objectives": []objective{
				{Description: "Stop the robot", RequiredPowers: []string{"strength"}},
			},
			"candidates": []Candidate{
				{ID: "h-1", Name: "Skyguard", Powers: []string{"flight"}, Score: 0.5},
			},
		})
		require.NoError(t, err)
		assert.Contains(t, user, "Required powers: flight, strength")
		assert.Contains(t, user, "1. Stop the robot (needs: strength)")
		assert.Contains(t, user, "id=h-1 name=Skyguard powers=[flight] similarity=0.50")
	})

	t.Run("unknown template", func(t *testing.T) {
		_, _, err := Render("nope", nil)
		assert.Error(t, err)
	})
}

func TestCompleteWithoutKey(t *testing.T) {
	client := NewClient("", "", 0)

	_, err := client.Complete(context.Background(), TemplatePriorityAssessment, map[string]any{
		"title":       "x",
		"description": "y",
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeMissingCredential))
}
