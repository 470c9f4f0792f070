package store

import (
	"encoding/json"
	"log/slog"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// encodeContext serializes a dialog context for the context column.
func encodeContext(ctx map[string]any) ([]byte, error) {
	if len(ctx) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(ctx)
}

// decodeContext parses the context column. Corrupt data yields an empty context
// rather than failing the whole read.
func decodeContext(raw []byte, userID string) map[string]any {
	out := make(map[string]any)
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		slog.Error("store: user state context unmarshal failed", "error", err, "userID", userID)
		return make(map[string]any)
	}
	return out
}
