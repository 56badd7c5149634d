// Package reconcile holds the pure merge functions that fold server events into
// local snapshots. Nothing here performs I/O: malformed input yields the
// unchanged snapshot plus a *syncerr.MalformedEventError for the caller to log.
package reconcile

// Engine names used in MalformedEventError.
const (
	EngineStats         = "stats"
	EngineNotifications = "notifications"
	EngineUnread        = "unread"
	EngineAppointments  = "appointments"
)

// MergeByKey upserts incoming into items. When an item with the same key exists it is
// replaced by merge(existing, incoming) in place; otherwise incoming is appended.
// The input slice is never modified.
func MergeByKey[T any](items []T, incoming T, key func(T) string, merge func(existing, incoming T) T) []T {
	k := key(incoming)
	out := make([]T, len(items), len(items)+1)
	copy(out, items)
	for i := range out {
		if key(out[i]) == k {
			out[i] = merge(out[i], incoming)
			return out
		}
	}
	return append(out, incoming)
}

// DedupeByKey collapses items sharing a key with merge, keeping first-seen order.
func DedupeByKey[T any](items []T, key func(T) string, merge func(existing, incoming T) T) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		out = MergeByKey(out, it, key, merge)
	}
	return out
}
