package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

func TestExtractJSONObject(t *testing.T) {
	t.Run("fenced with chatter", func(t *testing.T) {
		raw := "Sure! ```json\n{\"level\":\"ALPHA\",\"confidence\":0.8,\"reasoning\":\"x\"}\n```"
		got, err := ExtractJSONObject(raw)
		require.NoError(t, err)
		assert.Equal(t, `{"level":"ALPHA","confidence":0.8,"reasoning":"x"}`, got)
	})

	t.Run("plain object passes through", func(t *testing.T) {
		got, err := ExtractJSONObject(`{"a":1}`)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, got)
	})

	t.Run("uppercase fence and leading newlines", func(t *testing.T) {
		got, err := ExtractJSONObject("\r\n\n```JSON\n{\"a\":{\"b\":2}}\n```\n")
		require.NoError(t, err)
		assert.Equal(t, `{"a":{"b":2}}`, got)
	})

	t.Run("trailing prose after object", func(t *testing.T) {
		got, err := ExtractJSONObject(`Here you go {"a":1} hope that helps`)
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, got)
	})

	t.Run("no object is a parse error with raw output", func(t *testing.T) {
		_, err := ExtractJSONObject("I cannot help with that.")
		require.Error(t, err)
		assert.True(t, apperrors.HasCode(err, apperrors.CodePipelineParse))
		assert.Equal(t, "I cannot help with that.", apperrors.ToDomainError(err).Details["raw_output"])
	})

	t.Run("backticks inside strings survive", func(t *testing.T) {
		object := `{"level":"BETA","reasoning":"reply with ` + "```json```" + ` fences or ` + "```" + ` alone"}`
		got, err := ExtractJSONObject("```json\n" + object + "\n```")
		require.NoError(t, err)
		assert.Equal(t, object, got)
	})

	t.Run("pretty printed object inside fence", func(t *testing.T) {
		raw := "```json\n{\n  \"reasoning\": \"code: ```go\"\n}\n```\n"
		got, err := ExtractJSONObject(raw)
		require.NoError(t, err)
		assert.Equal(t, "{\n  \"reasoning\": \"code: ```go\"\n}", got)
	})

	t.Run("single line fence", func(t *testing.T) {
		got, err := ExtractJSONObject("```json {\"a\":1} ```")
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, got)
	})

	t.Run("reversed braces", func(t *testing.T) {
		_, err := ExtractJSONObject("} nothing {")
		assert.True(t, apperrors.HasCode(err, apperrors.CodePipelineParse))
	})
}

func TestDecodeObject(t *testing.T) {
	var v struct {
		Level string `json:"level"`
	}
	require.NoError(t, decodeObject("```json\n{\"level\":\"BETA\"}\n```", &v))
	assert.Equal(t, "BETA", v.Level)

	err := decodeObject(`{"level": BETA}`, &v)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePipelineParse))
}
