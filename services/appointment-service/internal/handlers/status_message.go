package handlers

import (
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
)

// statusMessage renders the human-facing summary line shown next to the
// status badge. The wording depends on who is looking: the absent party in a
// no-show reads a different sentence than the one who waited.
func statusMessage(h *model.Hydrated, viewer model.Role) string {
	switch h.Status {
	case model.StatusPendingPayment:
		return "Waiting for payment. Complete the bank transfer to confirm your booking."
	case model.StatusScheduled:
		if h.MeetingURL != "" {
			return "Confirmed. Your meeting link is ready."
		}
		return "Confirmed. The meeting link will appear shortly before the start time."
	case model.StatusInProgress:
		return "The consultation is in progress."
	case model.StatusCompleted:
		if viewer == model.RoleDermatologist {
			return "Completed. Your payout settles after the review window closes."
		}
		return "Completed. You can report a problem within 24 hours."
	case model.StatusSettled:
		return "Completed and settled."
	case model.StatusInterrupted:
		return "The session was interrupted and is on hold pending review."
	case model.StatusDisputed:
		return "Under review by the care team."
	case model.StatusNoShow:
		if h.TerminatedReason != nil && *h.TerminatedReason == model.ReasonDoctorNoShow {
			if viewer == model.RoleCustomer {
				return "The dermatologist did not join. You have been refunded in full."
			}
			return "Closed as a missed session."
		}
		if viewer == model.RoleCustomer {
			return "You did not join the session. The booking fee is not refundable."
		}
		return "The customer did not join the session."
	case model.StatusCancelled:
		if h.TerminatedReason == nil {
			return "Cancelled."
		}
		switch *h.TerminatedReason {
		case model.ReasonCustomerCancelledEarly:
			return "Cancelled with a full refund."
		case model.ReasonCustomerCancelledLate:
			return "Cancelled near the start time. The booking fee was not refunded."
		case model.ReasonDoctorCancelled:
			if viewer == model.RoleCustomer {
				return "The dermatologist cancelled. You have been refunded in full."
			}
			return "You cancelled this appointment. The customer was refunded."
		case model.ReasonPaymentTimeout:
			return "Cancelled because the payment was not completed in time."
		case model.ReasonPaymentFailed:
			return "Cancelled because the payment did not go through."
		}
		return "Cancelled."
	}
	return ""
}
