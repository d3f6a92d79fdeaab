package planner

import "strings"

// FindModeBySlug picks the agent mode matching a slug like "plan" or
// "agent" from the advertised mode id list. Two passes, first match wins:
// an id ending in "#"+slug, then any id containing the slug. Matching is
// case-sensitive. Returns ("", false) when nothing matches; callers skip
// the mode switch in that case.
func FindModeBySlug(modes []string, slug string) (string, bool) {
	suffix := "#" + slug
	for _, id := range modes {
		if strings.HasSuffix(id, suffix) {
			return id, true
		}
	}
	for _, id := range modes {
		if strings.Contains(id, slug) {
			return id, true
		}
	}
	return "", false
}
