package inference

import "strings"

// JSONDirective is prepended to the system text when JSON mode is on but
// nothing in the request mentions JSON; some providers reject json_object
// response formats otherwise.
const JSONDirective = "Respond using JSON.\n\n"

// MentionsJSON reports whether the system text or any message text mentions
// "json" (case-insensitive).
func (r *CanonicalRequest) MentionsJSON() bool {
	if r.System != nil && containsJSON(*r.System) {
		return true
	}
	for _, msg := range r.Messages {
		for _, block := range msg.Content {
			if t, ok := block.(TextBlock); ok && containsJSON(t.Text) {
				return true
			}
		}
	}
	return false
}

// EffectiveSystem returns the system text with the JSON directive prepended
// when required by the request's JSON mode.
func (r *CanonicalRequest) EffectiveSystem() *string {
	needsDirective := r.JSONMode == JSONModeOn && !r.MentionsJSON()
	if !needsDirective {
		return r.System
	}
	text := JSONDirective
	if r.System != nil {
		text += *r.System
	}
	return &text
}

func containsJSON(s string) bool {
	return strings.Contains(strings.ToLower(s), "json")
}
