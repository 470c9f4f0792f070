package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Event-derived placeholder names. They shadow context keys of the same name.
const (
	PlaceholderMessageText  = "message_text"
	PlaceholderCallbackData = "callback_data"
	PlaceholderUserID       = "user_id"
	PlaceholderFirstName    = "first_name"
	PlaceholderLastName     = "last_name"
	PlaceholderUsername     = "username"
)

// placeholderSources builds the closed substitution set for action params:
// the context overlaid by message text, callback data, user id, first name and username.
func placeholderSources(context map[string]any, ev *models.Event, userID string) map[string]any {
	src := make(map[string]any, len(context)+5)
	for k, v := range context {
		src[k] = v
	}
	src[PlaceholderUserID] = userID
	if ev == nil {
		return src
	}
	if text, ok := ev.Text(); ok {
		src[PlaceholderMessageText] = text
	}
	if data, ok := ev.CallbackData(); ok {
		src[PlaceholderCallbackData] = data
	}
	if ev.User.FirstName != "" {
		src[PlaceholderFirstName] = ev.User.FirstName
	}
	if ev.User.Username != "" {
		src[PlaceholderUsername] = ev.User.Username
	}
	return src
}

// profileSources builds the substitution set for catalog templates: profile
// fields first, then the context on top.
func profileSources(context map[string]any, profile models.UserProfile) map[string]any {
	src := map[string]any{
		PlaceholderFirstName: profile.FirstName,
		PlaceholderLastName:  profile.LastName,
		PlaceholderUsername:  profile.Username,
	}
	for k, v := range context {
		src[k] = v
	}
	return src
}

// Render substitutes {name} and {a.b} placeholders in s. "{{" and "}}" produce
// literal braces. If any placeholder cannot be resolved, or the braces are
// unbalanced, s is returned unchanged.
func Render(s string, sources map[string]any) string {
	if !strings.ContainsAny(s, "{}") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '{':
			if i+1 < len(s) && s[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return s
			}
			name := s[i+1 : i+1+end]
			v, ok := lookupPath(sources, name)
			if !ok {
				return s
			}
			b.WriteString(formatValue(v))
			i += end + 1
		case '}':
			if i+1 < len(s) && s[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return s
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// RenderParams returns a copy of params with every string rendered, recursing into maps and lists.
func RenderParams(params map[string]any, sources map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = renderValue(v, sources)
	}
	return out
}

func renderValue(v any, sources map[string]any) any {
	switch t := v.(type) {
	case string:
		return Render(t, sources)
	case map[string]any:
		return RenderParams(t, sources)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = renderValue(item, sources)
		}
		return out
	default:
		return models.CloneValue(v)
	}
}

func lookupPath(sources map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if !validIdent(p) {
			return nil, false
		}
	}
	cur, ok := sources[parts[0]]
	if !ok {
		return nil, false
	}
	for _, p := range parts[1:] {
		switch node := cur.(type) {
		case map[string]any:
			cur, ok = node[p]
			if !ok {
				return nil, false
			}
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

// formatValue renders a resolved value. nil renders as "null", matching
// the JSON form used for maps and lists.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}
