package reconcile

import (
	"github.com/matheus3301/bizsync/internal/model"
	"github.com/matheus3301/bizsync/internal/syncerr"
)

// UnreadEvent is UnreadAuthoritative or UnreadLocal.
type UnreadEvent interface{ unreadEvent() }

// UnreadAuthoritative is a full-count push (unreadMessagesCount).
type UnreadAuthoritative struct {
	Count int
}

// UnreadLocal is an optimistic local adjustment, e.g. after marking a conversation read.
type UnreadLocal struct {
	Delta int
}

func (UnreadAuthoritative) unreadEvent() {}
func (UnreadLocal) unreadEvent()         {}

// ApplyUnread trusts the server over any local guess once a fresh count arrives,
// even when it is lower than the displayed value.
func ApplyUnread(u model.Unread, e UnreadEvent) (model.Unread, error) {
	switch ev := e.(type) {
	case UnreadAuthoritative:
		if ev.Count < 0 {
			return u, syncerr.Malformed(EngineUnread, "unreadMessagesCount", "negative count")
		}
		return model.Unread{Count: ev.Count, Authoritative: ev.Count}, nil
	case UnreadLocal:
		next := u
		next.Count = clampAdd(u.Count, ev.Delta)
		next.LocalGuess = next.Count != next.Authoritative
		return next, nil
	}
	return u, syncerr.Malformed(EngineUnread, "unknown", "unsupported unread event")
}
