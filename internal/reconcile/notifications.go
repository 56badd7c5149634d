package reconcile

import (
	"cmp"
	"slices"

	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
)

// ApplyNotification merges n into the feed by identity key. The newer timestamp
// wins display fields (incoming wins ties), UnreadCount takes the maximum, and the
// result is sorted newest first. Applying the same notification twice is a no-op.
func ApplyNotification(feed []model.Notification, event string, n model.Notification) ([]model.Notification, error) {
	if n.Key() == "" {
		return feed, syncerr.Malformed(EngineNotifications, event, "missing id and threadId")
	}
	if n.UnreadCount < 0 {
		return feed, syncerr.Malformed(EngineNotifications, event, "negative unreadCount")
	}
	next := MergeByKey(feed, n, model.Notification.Key, mergeNotification)
	sortFeed(next)
	return next, nil
}

// MarkNotificationRead is the only operation that lowers an UnreadCount.
func MarkNotificationRead(feed []model.Notification, key string) ([]model.Notification, bool) {
	out := slices.Clone(feed)
	for i := range out {
		if out[i].Key() == key {
			out[i].Read = true
			out[i].UnreadCount = 0
			return out, true
		}
	}
	return feed, false
}

func mergeNotification(existing, incoming model.Notification) model.Notification {
	out := existing
	if incoming.Timestamp >= existing.Timestamp {
		out = incoming
	}
	out.UnreadCount = max(existing.UnreadCount, incoming.UnreadCount)
	return out
}

func sortFeed(feed []model.Notification) {
	slices.SortStableFunc(feed, func(a, b model.Notification) int {
		if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Key(), b.Key())
	})
}
