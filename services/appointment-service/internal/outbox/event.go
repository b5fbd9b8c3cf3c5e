package outbox

import (
	"encoding/json"
	"time"

	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Topic names consumed by the notification pipeline.
const (
	TopicAppointmentScheduled = "appointment.scheduled"
	TopicAppointmentStarted   = "appointment.started"
	TopicAppointmentCompleted = "appointment.completed"
	TopicAppointmentCancelled = "appointment.cancelled"
	TopicAppointmentDisputed  = "appointment.disputed"
	TopicAppointmentSettled   = "appointment.settled"
	TopicAppointmentReminder  = "appointment.reminder"
	TopicPaymentExpired       = "payment.expired"
)

type appointmentPayload struct {
	AppointmentID       string     `json:"appointment_id"`
	CustomerUserID      string     `json:"customer_user_id"`
	DermatologistUserID string     `json:"dermatologist_user_id"`
	Status              string     `json:"status"`
	Reason              string     `json:"reason,omitempty"`
	StartTime           time.Time  `json:"start_time"`
	MeetingURL          string     `json:"meeting_url,omitempty"`
	OccurredAt          *time.Time `json:"occurred_at,omitempty"`
}

// AppointmentEvent builds the standard envelope for a lifecycle transition.
func AppointmentEvent(topic string, h model.Hydrated, occurredAt time.Time) Event {
	p := appointmentPayload{
		AppointmentID:       h.ID,
		CustomerUserID:      h.CustomerUserID,
		DermatologistUserID: h.DermatologistUserID,
		Status:              string(h.Status),
		StartTime:           h.StartTime,
		MeetingURL:          h.MeetingURL,
		OccurredAt:          &occurredAt,
	}
	if h.TerminatedReason != nil {
		p.Reason = string(*h.TerminatedReason)
	}
	buf, _ := json.Marshal(p)
	return Event{
		AggregateType: "appointment",
		AggregateID:   h.ID,
		EventType:     topic,
		Payload:       buf,
	}
}

type reminderPayload struct {
	AppointmentID       string    `json:"appointment_id"`
	CustomerUserID      string    `json:"customer_user_id"`
	DermatologistUserID string    `json:"dermatologist_user_id"`
	StartTime           time.Time `json:"start_time"`
	MeetingURL          string    `json:"meeting_url"`
}

// ReminderEvent announces an upcoming consultation once its meeting link is
// assigned.
func ReminderEvent(appointmentID, customerUserID, dermatologistUserID string, start time.Time, meetingURL string) Event {
	buf, _ := json.Marshal(reminderPayload{
		AppointmentID:       appointmentID,
		CustomerUserID:      customerUserID,
		DermatologistUserID: dermatologistUserID,
		StartTime:           start,
		MeetingURL:          meetingURL,
	})
	return Event{
		AggregateType: "appointment",
		AggregateID:   appointmentID,
		EventType:     TopicAppointmentReminder,
		Payload:       buf,
	}
}

type paymentExpiredPayload struct {
	PaymentID     string `json:"payment_id"`
	AppointmentID string `json:"appointment_id"`
}

func PaymentExpiredEvent(paymentID, appointmentID string) Event {
	buf, _ := json.Marshal(paymentExpiredPayload{PaymentID: paymentID, AppointmentID: appointmentID})
	return Event{
		AggregateType: "payment",
		AggregateID:   paymentID,
		EventType:     TopicPaymentExpired,
		Payload:       buf,
	}
}
