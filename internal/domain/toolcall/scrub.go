package toolcall

import (
	"regexp"
)

// Models frequently narrate planned tool use inside reasoning regions.
// Those regions are removed before envelope extraction so a described call
// is never promoted to a real one.
var reasoningRegions = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<think>.*?</think>`),
	regexp.MustCompile(`(?is)<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)◁think▷.*?◁/think▷`),
	regexp.MustCompile(`(?is)\[thinking\].*?\[/thinking\]`),
}

// quickReasoningRe gates the expensive pass; most content has no reasoning
// markers at all.
var quickReasoningRe = regexp.MustCompile(`(?i)<think|◁think▷|\[thinking\]`)

// ScrubReasoning removes reasoning-delimited regions from s. Matching is
// case-insensitive and non-greedy; unclosed regions are left untouched.
func ScrubReasoning(s string) string {
	if !quickReasoningRe.MatchString(s) {
		return s
	}
	for _, re := range reasoningRegions {
		s = re.ReplaceAllString(s, "")
	}
	return s
}
