package githost

import (
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ReviewerRules selects reviewers for a change request.
type ReviewerRules struct {
	Default []string
	// ByPath maps glob patterns to reviewers added when any changed file
	// matches.
	ByPath map[string][]string
}

// Empty reports whether the rules would never select anyone.
func (r ReviewerRules) Empty() bool {
	return len(r.Default) == 0 && len(r.ByPath) == 0
}

// Resolve returns the sorted, de-duplicated reviewers for the changed files.
// Invalid patterns are skipped.
func (r ReviewerRules) Resolve(changedFiles []string, exclude string) []string {
	set := make(map[string]bool)
	for _, rv := range r.Default {
		set[normalizeReviewer(rv)] = true
	}

	for pattern, reviewers := range r.ByPath {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			continue
		}
		for _, file := range changedFiles {
			if g.Match(file) {
				for _, rv := range reviewers {
					set[normalizeReviewer(rv)] = true
				}
				break
			}
		}
	}
	delete(set, normalizeReviewer(exclude))
	delete(set, "")

	out := make([]string, 0, len(set))
	for rv := range set {
		out = append(out, rv)
	}
	sort.Strings(out)
	return out
}

func normalizeReviewer(reviewer string) string {
	return strings.TrimPrefix(strings.TrimSpace(reviewer), "@")
}
