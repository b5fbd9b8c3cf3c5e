package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type AppointmentStatus string

const (
	StatusPendingPayment AppointmentStatus = "PENDING_PAYMENT"
	StatusScheduled      AppointmentStatus = "SCHEDULED"
	StatusInProgress     AppointmentStatus = "IN_PROGRESS"
	StatusCompleted      AppointmentStatus = "COMPLETED"
	StatusCancelled      AppointmentStatus = "CANCELLED"
	StatusNoShow         AppointmentStatus = "NO_SHOW"
	StatusDisputed       AppointmentStatus = "DISPUTED"
	StatusInterrupted    AppointmentStatus = "INTERRUPTED"
	StatusSettled        AppointmentStatus = "SETTLED"
)

type TerminationReason string

const (
	ReasonCustomerCancelledEarly TerminationReason = "CUSTOMER_CANCELLED_EARLY"
	ReasonCustomerCancelledLate  TerminationReason = "CUSTOMER_CANCELLED_LATE"
	ReasonDoctorCancelled        TerminationReason = "DOCTOR_CANCELLED"
	ReasonCustomerNoShow         TerminationReason = "CUSTOMER_NO_SHOW"
	ReasonDoctorNoShow           TerminationReason = "DOCTOR_NO_SHOW"
	ReasonDoctorIssue            TerminationReason = "DOCTOR_ISSUE"
	ReasonPaymentTimeout         TerminationReason = "PAYMENT_TIMEOUT"
	ReasonPaymentFailed          TerminationReason = "PAYMENT_FAILED"
)

type Role string

const (
	RoleCustomer      Role = "CUSTOMER"
	RoleDermatologist Role = "DERMATOLOGIST"
	RoleAdmin         Role = "ADMIN"
)

type AppointmentType string

const (
	TypeNewProblem AppointmentType = "NEW_PROBLEM"
	TypeFollowUp   AppointmentType = "FOLLOW_UP"
)

// Appointment is the aggregate root for a consultation booking. Join
// timestamps and per-actor report fields are write-once: repositories only
// set them when currently null.
type Appointment struct {
	ID              string
	CustomerID      string
	DermatologistID string
	Type            AppointmentType

	StartTime     time.Time
	EndTime       time.Time
	ActualEndTime *time.Time

	CustomerJoinedAt      *time.Time
	DermatologistJoinedAt *time.Time

	Price          decimal.Decimal
	PaymentID      *string
	SubscriptionID *string
	SlotID         *string

	AnalysisID string
	RoutineID  *string

	Status           AppointmentStatus
	TerminatedReason *TerminationReason
	TerminationNote  string

	CustomerReportReason      *TerminationReason
	CustomerReportNote        string
	DermatologistReportReason *TerminationReason
	DermatologistReportNote   string

	// Admin resolution fields are written by back-office tooling only; the
	// engine reads them at most and never overwrites them.
	AdminResolutionNote string
	ResolvedBy          *string
	ResolvedAt          *time.Time

	MedicalNote string
	MeetingURL  string
	Note        string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Hydrated is the fully loaded variant of the aggregate. Repositories
// guarantee the cross-entity identifiers (wallet owners) plus the funding
// links are present, so money-moving code never chases missing relations.
type Hydrated struct {
	Appointment

	CustomerUserID      string
	DermatologistUserID string
	Payment             *Payment
	Subscription        *CustomerSubscription
}

// FundedByPayment reports whether a cash payment backs this appointment.
func (h *Hydrated) FundedByPayment() bool { return h.Payment != nil }

// FundedBySubscription reports whether a consumed subscription session backs it.
func (h *Hydrated) FundedBySubscription() bool { return h.Subscription != nil }

// Active reports whether the appointment still sits on the live path.
func (s AppointmentStatus) Active() bool {
	switch s {
	case StatusPendingPayment, StatusScheduled, StatusInProgress:
		return true
	}
	return false
}
