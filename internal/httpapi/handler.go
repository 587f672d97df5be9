package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/harshu-panchal/healiinn-sub004/internal/media"
	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/payment"
	"github.com/harshu-panchal/healiinn-sub004/internal/schedule"
	"github.com/harshu-panchal/healiinn-sub004/internal/signaling"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

type Handler struct {
	manager  *schedule.Manager
	coord    *signaling.Coordinator
	payments payment.Gateway
}

type Options struct {
	Payments payment.Gateway
}

func NewHandler(manager *schedule.Manager, coord *signaling.Coordinator, options Options) *Handler {
	return &Handler{
		manager:  manager,
		coord:    coord,
		payments: options.Payments,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/appointments", h.handleBook)
	mux.HandleFunc("/api/appointments/actions/confirm", h.handleConfirm)
	mux.HandleFunc("/api/appointments/", h.handleAppointmentActions)
	mux.HandleFunc("/api/queue/next-token", h.handleNextToken)
	mux.HandleFunc("/api/queue/snapshot", h.handleSnapshot)
	mux.HandleFunc("/api/sessions/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/sessions/", h.handleSessionActions)
	mux.HandleFunc("/api/calls", h.handleInitiateCall)
	mux.HandleFunc("/api/calls/", h.handleCallActions)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type bookRequest struct {
	RequestID   string `json:"request_id"`
	DoctorID    string `json:"doctor_id"`
	PatientID   string `json:"patient_id"`
	SessionDate string `json:"session_date"`
	Mode        string `json:"mode"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

func (h *Handler) handleBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req bookRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.SessionDate = strings.TrimSpace(req.SessionDate)
	req.Mode = strings.TrimSpace(req.Mode)

	if req.RequestID == "" || req.DoctorID == "" || req.PatientID == "" || req.SessionDate == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, doctor_id, patient_id, and session_date are required")
		return
	}
	if !isValidUUID(req.RequestID) || !isValidUUID(req.DoctorID) || !isValidUUID(req.PatientID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, doctor_id, and patient_id must be UUIDs")
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeToken
	}
	if req.Mode != models.ModeToken && req.Mode != models.ModeCall {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "mode must be token or call")
		return
	}

	var order payment.Order
	if h.payments != nil && req.Amount > 0 {
		currency := req.Currency
		if currency == "" {
			currency = "INR"
		}
		var err error
		order, err = h.payments.CreateOrder(r.Context(), req.Amount, currency, req.RequestID)
		if err != nil {
			writeError(w, req.RequestID, http.StatusBadGateway, "payment_unavailable", "payment order could not be created")
			return
		}
	}

	appt, session, err := h.manager.Book(r.Context(), schedule.BookInput{
		RequestID:    req.RequestID,
		DoctorID:     req.DoctorID,
		PatientID:    req.PatientID,
		SessionDate:  req.SessionDate,
		Mode:         req.Mode,
		PaymentOrder: order.OrderID,
	})
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, req.RequestID, status, code, message)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request_id":    req.RequestID,
		"appointment":   appt,
		"session":       session,
		"payment_order": order,
	})
}

type confirmRequest struct {
	RequestID     string `json:"request_id"`
	AppointmentID string `json:"appointment_id"`
	OrderID       string `json:"order_id"`
	PaymentID     string `json:"payment_id"`
	Signature     string `json:"signature"`
}

// handleConfirm verifies the payment proof and only then runs token
// allocation. Confirmation replays are acknowledged with the same token.
func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req confirmRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" || !isValidUUID(req.AppointmentID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID")
		return
	}

	if h.payments != nil {
		if !h.payments.VerifySignature(req.OrderID, req.PaymentID, req.Signature) {
			writeError(w, req.RequestID, http.StatusUnprocessableEntity, "payment_unverified", "payment signature verification failed")
			return
		}
	}

	appt, err := h.manager.Confirm(r.Context(), req.AppointmentID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, req.RequestID, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":  req.RequestID,
		"appointment": appt,
	})
}

type appointmentActionRequest struct {
	RequestID   string `json:"request_id"`
	SessionDate string `json:"session_date,omitempty"`
}

// handleAppointmentActions routes /api/appointments/{id}/{action}.
func (h *Handler) handleAppointmentActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	appointmentID, action, ok := splitAction(r.URL.Path, "/api/appointments/")
	if !ok || !isValidUUID(appointmentID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "appointment id and action are required")
		return
	}

	var req appointmentActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	var (
		appt models.Appointment
		err  error
	)
	switch action {
	case "cancel":
		appt, err = h.manager.Cancel(r.Context(), appointmentID)
	case "reschedule":
		if strings.TrimSpace(req.SessionDate) == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "session_date is required")
			return
		}
		appt, err = h.manager.Reschedule(r.Context(), appointmentID, strings.TrimSpace(req.SessionDate), req.RequestID)
	case "skip":
		appt, err = h.manager.Skip(r.Context(), appointmentID)
	case "recall":
		appt, err = h.manager.Recall(r.Context(), appointmentID)
	case "start":
		appt, err = h.manager.StartConsultation(r.Context(), appointmentID)
	case "complete":
		appt, err = h.manager.CompleteEntry(r.Context(), appointmentID)
	default:
		writeError(w, req.RequestID, http.StatusNotFound, "unknown_action", "unknown appointment action")
		return
	}
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, req.RequestID, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":  req.RequestID,
		"appointment": appt,
	})
}

func (h *Handler) handleNextToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	sessionDate := strings.TrimSpace(r.URL.Query().Get("date"))
	if doctorID == "" || sessionDate == "" || !isValidUUID(doctorID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "doctor_id and date are required")
		return
	}

	token, session, err := h.manager.PredictNextToken(r.Context(), doctorID, sessionDate)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, "", status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"next_token": token,
		"session":    session,
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" || !isValidUUID(sessionID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	session, estimates, err := h.manager.QueueSnapshot(r.Context(), sessionID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, "", status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":   session,
		"estimates": estimates,
	})
}

type callNextRequest struct {
	RequestID     string `json:"request_id"`
	SessionID     string `json:"session_id"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callNextRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.SessionID == "" || !isValidUUID(req.SessionID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "session_id must be a UUID")
		return
	}
	if req.AppointmentID != "" && !isValidUUID(req.AppointmentID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_id must be a UUID when provided")
		return
	}

	appt, session, err := h.manager.CallNext(r.Context(), req.SessionID, req.AppointmentID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, req.RequestID, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id":  req.RequestID,
		"appointment": appt,
		"session":     session,
	})
}

type sessionActionRequest struct {
	RequestID string `json:"request_id"`
}

// handleSessionActions routes /api/sessions/{id}/{action}.
func (h *Handler) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sessionID, action, ok := splitAction(r.URL.Path, "/api/sessions/")
	if !ok || !isValidUUID(sessionID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "session id and action are required")
		return
	}

	var req sessionActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	var (
		session models.Session
		err     error
	)
	switch action {
	case "start":
		session, err = h.manager.SetState(r.Context(), sessionID, models.SessionLive)
	case "pause":
		session, err = h.manager.Pause(r.Context(), sessionID)
	case "resume":
		session, err = h.manager.Resume(r.Context(), sessionID)
	case "complete":
		session, err = h.manager.SetState(r.Context(), sessionID, models.SessionCompleted)
	case "cancel":
		session, err = h.manager.SetState(r.Context(), sessionID, models.SessionCancelled)
	default:
		writeError(w, req.RequestID, http.StatusNotFound, "unknown_action", "unknown session action")
		return
	}
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, req.RequestID, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": req.RequestID,
		"session":    session,
	})
}

type initiateCallRequest struct {
	RequestID     string `json:"request_id"`
	DoctorID      string `json:"doctor_id"`
	DoctorName    string `json:"doctor_name"`
	AppointmentID string `json:"appointment_id"`
}

func (h *Handler) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req initiateCallRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.DoctorID == "" || req.AppointmentID == "" || !isValidUUID(req.DoctorID) || !isValidUUID(req.AppointmentID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "doctor_id and appointment_id must be UUIDs")
		return
	}

	call, err := h.coord.Initiate(r.Context(), req.DoctorID, strings.TrimSpace(req.DoctorName), req.AppointmentID)
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, req.RequestID, status, code, message)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"request_id": req.RequestID,
		"call":       call,
	})
}

type callActionRequest struct {
	RequestID string `json:"request_id"`
	PartyID   string `json:"party_id"`
	Reason    string `json:"reason,omitempty"`
}

// handleCallActions routes /api/calls/{id}/{action}.
func (h *Handler) handleCallActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	callID, action, ok := splitAction(r.URL.Path, "/api/calls/")
	if !ok || !isValidUUID(callID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "call id and action are required")
		return
	}

	var req callActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.PartyID = strings.TrimSpace(req.PartyID)
	if req.PartyID == "" || !isValidUUID(req.PartyID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "party_id must be a UUID")
		return
	}

	var (
		call models.Call
		err  error
	)
	switch action {
	case "accept":
		call, err = h.coord.Accept(r.Context(), req.PartyID, callID)
	case "decline":
		call, err = h.coord.Decline(r.Context(), req.PartyID, callID)
	case "end":
		call, err = h.coord.End(r.Context(), req.PartyID, callID, req.Reason)
	case "miss":
		call, err = h.coord.Miss(r.Context(), req.PartyID, callID)
	default:
		writeError(w, req.RequestID, http.StatusNotFound, "unknown_action", "unknown call action")
		return
	}
	if err != nil {
		status, code, message := mapError(err)
		writeError(w, req.RequestID, status, code, message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": req.RequestID,
		"call":       call,
	})
}

func splitAction(path, prefix string) (string, string, bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", "session not found"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrCallNotFound):
		return http.StatusNotFound, "call_not_found", "call not found"
	case errors.Is(err, store.ErrNoSlots):
		return http.StatusConflict, "no_slots", "no available slots"
	case errors.Is(err, store.ErrNoMorePatients):
		return http.StatusConflict, "queue_empty", "no more patients waiting"
	case errors.Is(err, store.ErrOutsideWindow):
		return http.StatusConflict, "outside_window", "outside the session's scheduled window"
	case errors.Is(err, store.ErrRecallLimit):
		return http.StatusConflict, "recall_limit", "recall limit reached"
	case errors.Is(err, store.ErrCallInProgress):
		return http.StatusConflict, "call_in_progress", "call already in progress"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "state does not allow this action"
	case errors.Is(err, store.ErrNotOwner):
		return http.StatusForbidden, "not_owner", "not a participant of this resource"
	case errors.Is(err, store.ErrNotCallMode):
		return http.StatusConflict, "not_call_mode", "appointment is not a call consultation"
	case errors.Is(err, store.ErrTokenUnassigned):
		return http.StatusConflict, "token_unassigned", "appointment has no token yet"
	case errors.Is(err, media.ErrResourceClosed):
		return http.StatusGone, "resource_closed", "resource no longer available"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
