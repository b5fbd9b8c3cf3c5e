package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/skinalyze/consult/services/appointment-service/internal/apperr"
	"github.com/skinalyze/consult/services/appointment-service/internal/booking"
	"github.com/skinalyze/consult/services/appointment-service/internal/lifecycle"
	"github.com/skinalyze/consult/services/appointment-service/internal/model"
	"github.com/skinalyze/consult/services/appointment-service/internal/storage"
)

type Booker interface {
	CreateWithReservation(ctx context.Context, req booking.Request) (booking.Result, error)
	CreateWithWallet(ctx context.Context, req booking.Request) (booking.Result, error)
	CreateWithSubscription(ctx context.Context, req booking.Request) (booking.Result, error)
}

type Lifecycle interface {
	CheckIn(ctx context.Context, actor lifecycle.Actor, appointmentID string) (lifecycle.ActionResult, error)
	Complete(ctx context.Context, actor lifecycle.Actor, appointmentID, medicalNote string) (lifecycle.ActionResult, error)
	Cancel(ctx context.Context, actor lifecycle.Actor, appointmentID, note string) (lifecycle.ActionResult, error)
	CancelPendingByCustomer(ctx context.Context, actor lifecycle.Actor, appointmentID string) (lifecycle.ActionResult, error)
	ReportNoShow(ctx context.Context, actor lifecycle.Actor, appointmentID, note string) (lifecycle.ActionResult, error)
	ReportInterruption(ctx context.Context, actor lifecycle.Actor, appointmentID string, reason model.TerminationReason, note string) (lifecycle.ActionResult, error)
	UpdateMedicalNote(ctx context.Context, actor lifecycle.Actor, appointmentID, note string) (lifecycle.ActionResult, error)
}

type AppointmentReader interface {
	GetHydrated(ctx context.Context, appointmentID string) (model.Hydrated, error)
	List(ctx context.Context, f storage.ListFilter) ([]model.Hydrated, error)
}

type ProfileReader interface {
	FindCustomerByUserID(ctx context.Context, userID string) (storage.CustomerProfile, error)
	FindDermatologistByUserID(ctx context.Context, userID string) (storage.DermatologistProfile, error)
}

type AppointmentHandler struct {
	booker   Booker
	engine   Lifecycle
	reader   AppointmentReader
	profiles ProfileReader
	logger   *slog.Logger
}

func NewAppointmentHandler(booker Booker, engine Lifecycle, reader AppointmentReader, profiles ProfileReader, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{booker: booker, engine: engine, reader: reader, profiles: profiles, logger: logger}
}

type createRequest struct {
	SlotID         string `json:"slot_id"`
	Type           string `json:"appointment_type"`
	AnalysisID     string `json:"analysis_id"`
	RoutineID      string `json:"routine_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Note           string `json:"note,omitempty"`
}

type paymentBody struct {
	PaymentID   string `json:"payment_id"`
	PaymentCode string `json:"payment_code"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type bankingBody struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountName   string `json:"account_name"`
	Amount        string `json:"amount"`
	QRCodeURL     string `json:"qr_code_url,omitempty"`
}

type createResponse struct {
	AppointmentID     string       `json:"appointment_id"`
	Status            string       `json:"status"`
	Payment           *paymentBody `json:"payment,omitempty"`
	Banking           *bankingBody `json:"banking,omitempty"`
	SessionsRemaining *int         `json:"sessions_remaining,omitempty"`
}

func (h *AppointmentHandler) decodeCreate(w http.ResponseWriter, r *http.Request) (booking.Request, bool) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return booking.Request{}, false
	}
	if actor.Role != model.RoleCustomer {
		writeError(w, h.logger, apperr.Forbidden("only customers can book appointments"))
		return booking.Request{}, false
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return booking.Request{}, false
	}
	req.SlotID = strings.TrimSpace(req.SlotID)
	req.AnalysisID = strings.TrimSpace(req.AnalysisID)
	if req.SlotID == "" || req.AnalysisID == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return booking.Request{}, false
	}

	apptType := model.AppointmentType(strings.TrimSpace(req.Type))
	if apptType == "" {
		apptType = model.TypeNewProblem
	}
	if apptType != model.TypeNewProblem && apptType != model.TypeFollowUp {
		http.Error(w, "invalid appointment_type", http.StatusBadRequest)
		return booking.Request{}, false
	}

	out := booking.Request{
		UserID:         actor.UserID,
		SlotID:         req.SlotID,
		Type:           apptType,
		AnalysisID:     req.AnalysisID,
		SubscriptionID: strings.TrimSpace(req.SubscriptionID),
		Note:           strings.TrimSpace(req.Note),
	}
	if rid := strings.TrimSpace(req.RoutineID); rid != "" {
		out.RoutineID = &rid
	}
	return out, true
}

// Reserve books a slot held on a pending bank transfer.
func (h *AppointmentHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	res, err := h.booker.CreateWithReservation(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreateResponse(res))
}

// BookWithWallet books a slot paid from the customer's wallet balance.
func (h *AppointmentHandler) BookWithWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	res, err := h.booker.CreateWithWallet(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreateResponse(res))
}

// BookWithSubscription books a slot funded by one subscription session.
func (h *AppointmentHandler) BookWithSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, ok := h.decodeCreate(w, r)
	if !ok {
		return
	}
	if req.SubscriptionID == "" {
		http.Error(w, "missing subscription_id", http.StatusBadRequest)
		return
	}
	res, err := h.booker.CreateWithSubscription(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCreateResponse(res))
}

func toCreateResponse(res booking.Result) createResponse {
	out := createResponse{AppointmentID: res.AppointmentID, Status: string(res.Status)}
	if res.Payment != nil {
		pb := paymentBody{
			PaymentID:   res.Payment.ID,
			PaymentCode: res.Payment.Code,
			Amount:      res.Payment.Amount.String(),
			Status:      string(res.Payment.Status),
		}
		if res.Payment.ExpiresAt != nil {
			pb.ExpiresAt = res.Payment.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		out.Payment = &pb
	}
	if res.Banking != nil {
		out.Banking = &bankingBody{
			BankName:      res.Banking.BankName,
			AccountNumber: res.Banking.AccountNumber,
			AccountName:   res.Banking.AccountName,
			Amount:        res.Banking.Amount.String(),
			QRCodeURL:     res.Banking.QRCodeURL,
		}
	}
	if res.Status == model.StatusScheduled && res.Payment == nil {
		n := res.SessionsRemaining
		out.SessionsRemaining = &n
	}
	return out
}

type actionRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason,omitempty"`
	Note          string `json:"note,omitempty"`
	MedicalNote   string `json:"medical_note,omitempty"`
}

type actionResponse struct {
	AppointmentID   string `json:"appointment_id"`
	Status          string `json:"status"`
	Message         string `json:"message"`
	RefundTriggered bool   `json:"refund_triggered"`
}

func (h *AppointmentHandler) decodeAction(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, actionRequest, bool) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return lifecycle.Actor{}, actionRequest{}, false
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return lifecycle.Actor{}, actionRequest{}, false
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "missing appointment_id", http.StatusBadRequest)
		return lifecycle.Actor{}, actionRequest{}, false
	}
	return actor, req, true
}

func (h *AppointmentHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	h.respondAction(w, req.AppointmentID)(h.engine.CheckIn(r.Context(), actor, req.AppointmentID))
}

func (h *AppointmentHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	h.respondAction(w, req.AppointmentID)(h.engine.Complete(r.Context(), actor, req.AppointmentID, req.MedicalNote))
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	h.respondAction(w, req.AppointmentID)(h.engine.Cancel(r.Context(), actor, req.AppointmentID, req.Note))
}

// Withdraw voids a reservation still waiting on its bank transfer.
func (h *AppointmentHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	h.respondAction(w, req.AppointmentID)(h.engine.CancelPendingByCustomer(r.Context(), actor, req.AppointmentID))
}

func (h *AppointmentHandler) ReportNoShow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	h.respondAction(w, req.AppointmentID)(h.engine.ReportNoShow(r.Context(), actor, req.AppointmentID, req.Note))
}

// UpdateNote lets the dermatologist revise the clinical note on an open
// appointment.
func (h *AppointmentHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.MedicalNote) == "" {
		http.Error(w, "missing medical_note", http.StatusBadRequest)
		return
	}
	h.respondAction(w, req.AppointmentID)(h.engine.UpdateMedicalNote(r.Context(), actor, req.AppointmentID, req.MedicalNote))
}

// ReportIssue files an interruption or quality report against a session that
// is underway or recently completed.
func (h *AppointmentHandler) ReportIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, req, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	reason := model.TerminationReason(strings.TrimSpace(req.Reason))
	if actor.Role == model.RoleDermatologist && reason == "" {
		reason = model.ReasonDoctorIssue
	}
	if reason == "" {
		http.Error(w, "missing reason", http.StatusBadRequest)
		return
	}
	h.respondAction(w, req.AppointmentID)(h.engine.ReportInterruption(r.Context(), actor, req.AppointmentID, reason, req.Note))
}

func (h *AppointmentHandler) respondAction(w http.ResponseWriter, appointmentID string) func(lifecycle.ActionResult, error) {
	return func(res lifecycle.ActionResult, err error) {
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, actionResponse{
			AppointmentID:   appointmentID,
			Status:          string(res.Status),
			Message:         res.Message,
			RefundTriggered: res.RefundTriggered,
		})
	}
}

type appointmentItem struct {
	AppointmentID    string `json:"appointment_id"`
	Type             string `json:"appointment_type"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	Status           string `json:"status"`
	StatusMessage    string `json:"status_message"`
	Price            string `json:"price"`
	MeetingURL       string `json:"meeting_url,omitempty"`
	MedicalNote      string `json:"medical_note,omitempty"`
	TerminatedReason string `json:"terminated_reason,omitempty"`
}

// List returns the caller's own appointments, optionally filtered by status.
func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}

	filter := storage.ListFilter{}
	switch actor.Role {
	case model.RoleCustomer:
		profile, err := h.profiles.FindCustomerByUserID(r.Context(), actor.UserID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		filter.CustomerID = profile.CustomerID
	case model.RoleDermatologist:
		profile, err := h.profiles.FindDermatologistByUserID(r.Context(), actor.UserID)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		filter.DermatologistID = profile.DermatologistID
	default:
		writeError(w, h.logger, apperr.Forbidden("listing requires a customer or dermatologist account"))
		return
	}

	for _, s := range strings.Split(r.URL.Query().Get("status"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			filter.Statuses = append(filter.Statuses, model.AppointmentStatus(s))
		}
	}

	items, err := h.reader.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]appointmentItem, 0, len(items))
	for i := range items {
		out = append(out, toItem(&items[i], actor))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": out})
}

// Detail returns one appointment the caller participates in.
func (h *AppointmentHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	appt, err := h.reader.GetHydrated(r.Context(), id)
	if storage.IsNotFound(err) {
		writeError(w, h.logger, apperr.NotFound("appointment not found"))
		return
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	participant := (actor.Role == model.RoleCustomer && actor.UserID == appt.CustomerUserID) ||
		(actor.Role == model.RoleDermatologist && actor.UserID == appt.DermatologistUserID) ||
		actor.Role == model.RoleAdmin
	if !participant {
		writeError(w, h.logger, apperr.Forbidden("not a participant of this appointment"))
		return
	}
	writeJSON(w, http.StatusOK, toItem(&appt, actor))
}

func toItem(h *model.Hydrated, actor lifecycle.Actor) appointmentItem {
	item := appointmentItem{
		AppointmentID: h.ID,
		Type:          string(h.Type),
		StartTime:     h.StartTime.UTC().Format("2006-01-02T15:04:05Z07:00"),
		EndTime:       h.EndTime.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Status:        string(h.Status),
		StatusMessage: statusMessage(h, actor.Role),
		Price:         h.Price.String(),
		MeetingURL:    h.MeetingURL,
	}
	if actor.Role != model.RoleCustomer || h.Status == model.StatusCompleted || h.Status == model.StatusSettled {
		item.MedicalNote = h.MedicalNote
	}
	if h.TerminatedReason != nil {
		item.TerminatedReason = string(*h.TerminatedReason)
	}
	return item
}

func (h *AppointmentHandler) requireActor(w http.ResponseWriter, r *http.Request) (lifecycle.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok || actor.UserID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return lifecycle.Actor{}, false
	}
	return actor, true
}
