package triage

import (
	"encoding/json"
	"strings"

	apperrors "github.com/spec-kit/dispatch-desk/pkg/util/errorutil"
)

var fenceMarkers = []string{"```json", "```JSON", "```"}

// ExtractJSONObject recovers the JSON object embedded in noisy model output:
// fence markers opening or closing a line are stripped, leading newlines
// trimmed, and the text between the first '{' and the last '}' is returned.
// Backticks inside the object are left alone.
func ExtractJSONObject(raw string) (string, error) {
	text := stripFences(raw)
	text = strings.TrimLeft(text, "\r\n")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return "", apperrors.NewPipelineParseError("model output contains no JSON object", raw, nil)
	}
	return text, nil
}

func stripFences(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		stripped := false
		for _, marker := range fenceMarkers {
			if strings.HasPrefix(trimmed, marker) {
				trimmed = strings.TrimSpace(trimmed[len(marker):])
				stripped = true
				break
			}
		}
		for _, marker := range fenceMarkers {
			if strings.HasSuffix(trimmed, marker) {
				trimmed = strings.TrimSpace(trimmed[:len(trimmed)-len(marker)])
				stripped = true
				break
			}
		}
		if stripped {
			lines[i] = trimmed
		}
	}
	return strings.Join(lines, "\n")
}

// decodeObject extracts and unmarshals a model response into v.
func decodeObject(raw string, v any) error {
	text, err := ExtractJSONObject(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return apperrors.NewPipelineParseError("model output is not valid JSON", raw, err)
	}
	return nil
}
