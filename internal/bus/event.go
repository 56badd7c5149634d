package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix,
// e.g. "connection." or "message.".
const (
	KindStateChanged     = "connection.state_changed"
	KindTransportError   = "connection.transport_error"
	KindSessionExpired   = "session.expired"
	KindDashboardUpdated = "dashboard.updated"
	KindMalformedEvent   = "dashboard.malformed_event"
	KindRoomChanged      = "room.changed"
	KindRoomMessage      = "room.message"
	KindRoomSeeded       = "room.seeded"
	KindPreviewUpdated   = "room.preview_updated"
	KindSendPending      = "message.send_pending"
	KindSendAck          = "message.send_ack"
	KindSendFailed       = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Identity  string
	Timestamp time.Time
	Payload   any
}
