package broker

import "strings"

// MessageKey joins an Action with its composite-key fields using "/", e.g.
// MessageKey(ActionAdd, "1.2.3.4", "2026-01-02T03:04:05.000000Z") yields
// "add/1.2.3.4/2026-01-02T03:04:05.000000Z".
func MessageKey(action Action, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, string(action))
	parts = append(parts, fields...)
	return strings.Join(parts, "/")
}

// SplitMessageKey reverses MessageKey, returning the action and remaining
// fields. Returns ok=false if key has no "/"-separated action prefix.
func SplitMessageKey(key string) (action Action, fields []string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return "", nil, false
	}
	return Action(parts[0]), parts[1:], true
}
