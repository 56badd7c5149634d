package room

import (
	"slices"

	"github.com/matheus3301/bizsync/internal/model"
)

// Entry is one bubble of the open message pane. Outgoing entries are keyed by
// LocalID until their ack assigns a ServerID; incoming entries only have a
// ServerID.
type Entry struct {
	LocalID        string          `json:"localId,omitempty"`
	ServerID       string          `json:"serverId,omitempty"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId,omitempty"`
	Text           string          `json:"text"`
	FileRef        string          `json:"fileRef,omitempty"`
	Timestamp      int64           `json:"timestamp"`
	Outgoing       bool            `json:"outgoing"`
	State          model.SendState `json:"sendState,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func incomingEntry(m model.ChatMessage, self string) Entry {
	return Entry{
		ServerID:       m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		FileRef:        m.FileRef,
		Timestamp:      m.Timestamp,
		Outgoing:       m.SenderID != "" && m.SenderID == self,
	}
}

func outgoingEntry(m model.OutgoingMessage) Entry {
	ts := m.Timestamp
	if ts == 0 {
		ts = m.CreatedAt
	}
	return Entry{
		LocalID:        m.LocalID,
		ServerID:       m.ServerID,
		ConversationID: m.ConversationID,
		Text:           m.Text,
		FileRef:        m.FileRef,
		Timestamp:      ts,
		Outgoing:       true,
		State:          m.State,
		Error:          m.Error,
	}
}

// pane is not safe for concurrent use; Room guards it.
type pane struct {
	entries []Entry
}

func (p *pane) reset(entries []Entry) {
	p.entries = entries
}

func (p *pane) snapshot() []Entry {
	return slices.Clone(p.entries)
}

func (p *pane) indexLocal(localID string) int {
	return slices.IndexFunc(p.entries, func(e Entry) bool { return e.LocalID == localID })
}

func (p *pane) indexServer(serverID string) int {
	if serverID == "" {
		return -1
	}
	return slices.IndexFunc(p.entries, func(e Entry) bool { return e.ServerID == serverID })
}

// addIncoming appends e unless the pane already shows it, in which case the
// existing bubble is refreshed where it stands.
func (p *pane) addIncoming(e Entry) bool {
	if i := p.indexServer(e.ServerID); i >= 0 {
		cur := &p.entries[i]
		cur.Text = e.Text
		cur.FileRef = e.FileRef
		if e.Timestamp != 0 {
			cur.Timestamp = e.Timestamp
		}
		return false
	}
	p.entries = append(p.entries, e)
	return true
}

func (p *pane) addOutgoing(e Entry) {
	if p.indexLocal(e.LocalID) >= 0 {
		return
	}
	p.entries = append(p.entries, e)
}

// resolve updates the outgoing bubble in place. When the server broadcast of
// the same message got here before the ack, that copy is dropped.
func (p *pane) resolve(m model.OutgoingMessage) bool {
	i := p.indexLocal(m.LocalID)
	if i < 0 {
		return false
	}
	if m.ServerID != "" {
		if j := p.indexServer(m.ServerID); j >= 0 && j != i {
			p.entries = slices.Delete(p.entries, j, j+1)
			if j < i {
				i--
			}
		}
	}
	cur := &p.entries[i]
	cur.State = m.State
	cur.Error = m.Error
	cur.ServerID = m.ServerID
	if m.Timestamp != 0 {
		cur.Timestamp = m.Timestamp
	}
	return true
}

// history merges persisted server messages and the outgoing journal. Delivered
// outgoing entries shadow the server copy with the same id.
func history(msgs []model.ChatMessage, out []model.OutgoingMessage, self string) []Entry {
	delivered := make(map[string]bool, len(out))
	entries := make([]Entry, 0, len(msgs)+len(out))
	for _, m := range out {
		if m.ServerID != "" {
			delivered[m.ServerID] = true
		}
		entries = append(entries, outgoingEntry(m))
	}
	for _, m := range msgs {
		if delivered[m.ID] {
			continue
		}
		entries = append(entries, incomingEntry(m, self))
	}
	slices.SortStableFunc(entries, func(a, b Entry) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
	return entries
}
