package dashboard

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/matheus3301/bizsync/internal/model"
)

// Push events consumed by the surface.
const (
	EventDashboardUpdate        = "dashboardUpdate"
	EventAppointmentCreated     = "appointmentCreated"
	EventAppointmentUpdated     = "appointmentUpdated"
	EventAllAppointmentsUpdated = "allAppointmentsUpdated"
	EventReviewCreated          = "reviewCreated"
	EventAllReviewsUpdated      = "allReviewsUpdated"
	EventNewNotification        = "newNotification"
	EventNewMessage             = "newMessage"
	EventNewProposalCreated     = "newProposalCreated"
	EventUnreadMessagesCount    = "unreadMessagesCount"
)

// Emits with ack.
const (
	EventGetDashboardStats = "getDashboardStats"
	EventMarkMessagesRead  = "markMessagesRead"
)

// CounterProposals is the extra counter bumped by newProposalCreated.
const CounterProposals = "proposals_count"

// notificationPayload accepts both notification-shaped pushes and chat
// messages, which name their thread conversationId.
type notificationPayload struct {
	model.Notification
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

func decodeNotification(data []byte) (model.Notification, error) {
	var p notificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Notification{}, err
	}
	n := p.Notification
	if n.ThreadID == "" {
		n.ThreadID = p.ConversationID
	}
	if n.Text == "" {
		n.Text = p.Message
	}
	return n, nil
}

// decodeCount reads either a bare integer or {"count": n}.
func decodeCount(data []byte) (int, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return 0, fmt.Errorf("empty payload")
	}
	if data[0] != '{' {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	var obj struct {
		Count       *int `json:"count"`
		UnreadCount *int `json:"unreadCount"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, err
	}
	switch {
	case obj.Count != nil:
		return *obj.Count, nil
	case obj.UnreadCount != nil:
		return *obj.UnreadCount, nil
	}
	return 0, fmt.Errorf("no count field")
}

// decodeAppointments reads either a bare array or {"appointments": [...]}.
func decodeAppointments(data []byte) ([]model.Appointment, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	if data[0] == '[' {
		var list []model.Appointment
		err := json.Unmarshal(data, &list)
		return list, err
	}
	var obj struct {
		Appointments []model.Appointment `json:"appointments"`
	}
	err := json.Unmarshal(data, &obj)
	return obj.Appointments, err
}

// decodeDelta reads an optional {"delta": n}; zero means the implied +1.
func decodeDelta(data []byte) (int, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return 0, nil
	}
	var obj struct {
		Delta int `json:"delta"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, err
	}
	return obj.Delta, nil
}

// decodeReviews reads allReviewsUpdated: an explicit reviews_count or the
// full review list.
func decodeReviews(data []byte) (int, error) {
	var obj struct {
		ReviewsCount *int              `json:"reviews_count"`
		Reviews      []json.RawMessage `json:"reviews"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return 0, err
	}
	switch {
	case obj.ReviewsCount != nil:
		return *obj.ReviewsCount, nil
	case obj.Reviews != nil:
		return len(obj.Reviews), nil
	}
	return 0, fmt.Errorf("neither reviews_count nor reviews present")
}
