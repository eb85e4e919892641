package calendar

import (
	"strings"

	"flamcal/internal/model"
)

// Filter narrows the collection for display. The zero value matches
// everything.
type Filter struct {
	// Term matches title or description, case-insensitively.
	Term string
	// Categories, when non-empty, restricts results to these categories.
	Categories []string
}

func (f Filter) Match(d model.EventDefinition) bool {
	if term := strings.ToLower(strings.TrimSpace(f.Term)); term != "" {
		if !strings.Contains(strings.ToLower(d.Title), term) &&
			!strings.Contains(strings.ToLower(d.Description), term) {
			return false
		}
	}
	if len(f.Categories) == 0 {
		return true
	}
	for _, c := range f.Categories {
		if strings.EqualFold(c, d.Category) {
			return true
		}
	}
	return false
}
