package model

import "fmt"

// Role identifies which kind of actor owns a session.
type Role string

const (
	RoleBusiness Role = "business"
	RoleUser     Role = "user"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBusiness, RoleUser, RoleAdmin:
		return true
	}
	return false
}

// Identity is the logical actor a connection belongs to (business/user/admin room).
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Key returns the unique room key for the identity.
func (i Identity) Key() string {
	return fmt.Sprintf("%s:%s", i.Role, i.ID)
}

// StatsSnapshot is the dashboard's view of server counters.
// The appointments count is never stored; it is derived from Appointments.
type StatsSnapshot struct {
	Views        int            `json:"views_count"`
	Reviews      int            `json:"reviews_count"`
	Messages     int            `json:"messages_count"`
	Extra        map[string]int `json:"extra,omitempty"`
	Appointments []Appointment  `json:"appointments"`
}

// AppointmentsCount is len(Appointments).
func (s StatsSnapshot) AppointmentsCount() int {
	return len(s.Appointments)
}

// Clone returns a deep copy so reconcilers never alias the caller's slices or maps.
func (s StatsSnapshot) Clone() StatsSnapshot {
	out := s
	if s.Extra != nil {
		out.Extra = make(map[string]int, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	if s.Appointments != nil {
		out.Appointments = append([]Appointment(nil), s.Appointments...)
	}
	return out
}

// StatsUpdate is a partial dashboard update. Nil fields are unset and must
// never overwrite existing values. AppointmentsCount is accepted on the wire
// but ignored: the count is derived.
type StatsUpdate struct {
	Views             *int            `json:"views_count,omitempty"`
	Reviews           *int            `json:"reviews_count,omitempty"`
	Messages          *int            `json:"messages_count,omitempty"`
	AppointmentsCount *int            `json:"appointments_count,omitempty"`
	Extra             map[string]*int `json:"extra,omitempty"`
	Appointments      []Appointment   `json:"appointments,omitempty"`
}

// Appointment is keyed by ID.
type Appointment struct {
	ID         string `json:"id"`
	Date       string `json:"date"`
	Time       string `json:"time"`
	ClientRef  string `json:"clientRef,omitempty"`
	ServiceRef string `json:"serviceRef,omitempty"`
	Status     string `json:"status"`
	UpdatedAt  int64  `json:"updatedAt,omitempty"`
}

// Notification is a feed entry. Timestamps are unix milliseconds.
type Notification struct {
	ID          string `json:"id"`
	ThreadID    string `json:"threadId,omitempty"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
	Read        bool   `json:"read"`
	UnreadCount int    `json:"unreadCount"`
}

// Key is the identity key: ThreadID when present, otherwise ID.
func (n Notification) Key() string {
	if n.ThreadID != "" {
		return n.ThreadID
	}
	return n.ID
}

// Unread is the displayed unread-message counter.
type Unread struct {
	Count         int  `json:"count"`
	Authoritative int  `json:"authoritative"`
	LocalGuess    bool `json:"localGuess"`
}

// ConversationSession tracks whether the surface has joined a conversation room.
type ConversationSession struct {
	ConversationID string `json:"conversationId"`
	PartnerID      string `json:"partnerId"`
	Joined         bool   `json:"joined"`
}

// ConversationPreview is a row of the conversation list.
type ConversationPreview struct {
	ConversationID string `json:"conversationId"`
	PartnerID      string `json:"partnerId"`
	LastMessage    string `json:"lastMessage"`
	LastMessageAt  int64  `json:"lastMessageAt"`
	UnreadCount    int    `json:"unreadCount"`
}

// ChatMessage is a server-confirmed chat record.
type ChatMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	FileRef        string `json:"fileRef,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

// SendState is the lifecycle of an optimistic outgoing message.
type SendState string

const (
	SendPending   SendState = "PENDING"
	SendDelivered SendState = "DELIVERED"
	SendFailed    SendState = "FAILED"
)

// OutgoingMessage is a locally created message awaiting or past its ack.
type OutgoingMessage struct {
	LocalID        string    `json:"localId"`
	ServerID       string    `json:"serverId,omitempty"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	FileRef        string    `json:"fileRef,omitempty"`
	State          SendState `json:"sendState"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      int64     `json:"createdAt"`
	Timestamp      int64     `json:"timestamp"`
}
