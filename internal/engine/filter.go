package engine

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// patternCache memoizes anchored regular expressions. Invalid patterns are cached as nil.
var patternCache sync.Map // string → *regexp.Regexp

func anchored(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		slog.Warn("FilterMatcher: invalid pattern", "pattern", pattern, "error", err)
		re = nil
	}
	patternCache.Store(pattern, re)
	return re
}

func fullMatch(pattern, s string) bool {
	re := anchored(pattern)
	return re != nil && re.MatchString(s)
}

// Matches reports whether ev satisfies every filter. An empty list matches any event.
func Matches(ev *models.Event, filters []models.FilterSpec) bool {
	for _, f := range filters {
		if !matchFilter(ev, f) {
			return false
		}
	}
	return true
}

func matchFilter(ev *models.Event, f models.FilterSpec) bool {
	if ev == nil {
		return false
	}
	switch models.NormalizeFilterKind(string(f.Kind)) {
	case models.FilterMessage:
		return matchMessage(ev, f)
	case models.FilterCallback:
		return matchCallback(ev, f)
	case models.FilterCommand:
		return matchCommand(ev, f)
	default:
		slog.Warn("FilterMatcher: unknown filter kind", "kind", f.Kind)
		return false
	}
}

func matchMessage(ev *models.Event, f models.FilterSpec) bool {
	if ev.Message == nil {
		return false
	}
	if f.ContentType != "" && !strings.EqualFold(f.ContentType, string(ev.Message.ContentType)) {
		return false
	}
	if f.Text == nil && f.Regex == "" {
		return true
	}
	text, ok := ev.Text()
	if !ok {
		return false
	}
	if f.Text != nil && text != *f.Text {
		return false
	}
	if f.Regex != "" && !fullMatch(f.Regex, text) {
		return false
	}
	return true
}

func matchCallback(ev *models.Event, f models.FilterSpec) bool {
	data, ok := ev.CallbackData()
	if !ok {
		return false
	}
	if f.Data != nil && data != *f.Data {
		return false
	}
	if f.Pattern != "" && !fullMatch(f.Pattern, data) {
		return false
	}
	return true
}

func matchCommand(ev *models.Event, f models.FilterSpec) bool {
	want := strings.TrimPrefix(strings.TrimSpace(f.Command), models.CommandMarker)
	if want == "" {
		return false
	}
	got, ok := ev.Command()
	return ok && got == want
}
