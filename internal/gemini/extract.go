package gemini

import "strings"

// ExtractJSONObject pulls the outermost {...} span from free text. Returns
// false when no object-shaped span exists; callers decide whether that is a
// hard failure or a degrade-to-default.
func ExtractJSONObject(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}
