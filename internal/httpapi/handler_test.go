package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/bus"
	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/payment"
	"github.com/harshu-panchal/healiinn-sub004/internal/schedule"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

const (
	doctorID  = "5b8f0b0e-9f0c-4f4a-9a75-1c9f6a3f1111"
	patientID = "6c3a1a2b-1d2e-4f5a-8b6c-2d4e6f802222"
	requestID = "7d4b2b3c-2e3f-4a5b-9c7d-3e5f70913333"
)

// stubStore backs the booking flow with in-memory state. The embedded
// interface panics on anything a handler test should never reach.
type stubStore struct {
	store.Store

	mu           sync.Mutex
	session      models.Session
	appointments map[string]models.Appointment
	byRequest    map[string]string
	seq          int
}

func newStubStore() *stubStore {
	return &stubStore{
		session: models.Session{
			SessionID:   "9e6d4d5e-4a5b-4c6d-8e9f-5a7b92b35555",
			DoctorID:    doctorID,
			SessionDate: "2025-03-10",
			Status:      models.SessionScheduled,
			StartAt:     time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
			EndAt:       time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC),
			MaxTokens:   3,
		},
		appointments: make(map[string]models.Appointment),
		byRequest:    make(map[string]string),
	}
}

func (s *stubStore) GetOrCreateSession(_ context.Context, _ store.CreateSessionInput) (models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, false, nil
}

func (s *stubStore) GetSession(_ context.Context, sessionID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sessionID != s.session.SessionID {
		return models.Session{}, store.ErrSessionNotFound
	}
	return s.session, nil
}

func (s *stubStore) CountBookedEntries(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, appt := range s.appointments {
		if !appt.Cancelled() {
			count++
		}
	}
	return count, nil
}

func (s *stubStore) MaxAssignedToken(_ context.Context, _ string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, appt := range s.appointments {
		if appt.TokenNumber != nil && !appt.Cancelled() && *appt.TokenNumber > max {
			max = *appt.TokenNumber
		}
	}
	return max, nil
}

func (s *stubStore) CancelledTokens(_ context.Context, _ string) ([]int, error) {
	return nil, nil
}

func (s *stubStore) TokenHeld(_ context.Context, _ string, token int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, appt := range s.appointments {
		if appt.TokenNumber != nil && !appt.Cancelled() && *appt.TokenNumber == token {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubStore) CreateAppointment(_ context.Context, input store.CreateAppointmentInput) (models.Appointment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byRequest[input.RequestID]; ok {
		return s.appointments[id], false, nil
	}
	s.seq++
	appt := models.Appointment{
		AppointmentID: fmt.Sprintf("00000000-0000-4000-8000-%012d", s.seq),
		RequestID:     input.RequestID,
		DoctorID:      input.DoctorID,
		PatientID:     input.PatientID,
		SessionID:     input.SessionID,
		Status:        models.ApptScheduled,
		QueueStatus:   models.QueueWaiting,
		Mode:          input.Mode,
		PaymentOrder:  input.PaymentOrder,
		CreatedAt:     input.CreatedAt,
	}
	s.appointments[appt.AppointmentID] = appt
	s.byRequest[input.RequestID] = appt.AppointmentID
	return appt, true, nil
}

func (s *stubStore) GetAppointment(_ context.Context, appointmentID string) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	return appt, nil
}

func (s *stubStore) AssignToken(_ context.Context, appointmentID string, token int, at time.Time) (models.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.appointments[appointmentID]
	if !ok {
		return models.Appointment{}, store.ErrAppointmentNotFound
	}
	appt.TokenNumber = &token
	appt.Status = models.ApptConfirmed
	appt.ConfirmedAt = &at
	s.appointments[appointmentID] = appt
	return appt, nil
}

func (s *stubStore) ActiveEntries(_ context.Context, _ string) ([]models.Appointment, error) {
	return nil, nil
}

type stubGateway struct {
	verifyOK  bool
	lastOrder payment.Order
}

func (g *stubGateway) CreateOrder(_ context.Context, amount int64, currency, receipt string) (payment.Order, error) {
	g.lastOrder = payment.Order{OrderID: "order_1", Amount: amount, Currency: currency, Receipt: receipt, Status: payment.StatusCreated}
	return g.lastOrder, nil
}

func (g *stubGateway) VerifySignature(_, _, _ string) bool { return g.verifyOK }

func (g *stubGateway) FetchStatus(_ context.Context, _ string) (string, error) {
	return payment.StatusCaptured, nil
}

func newTestHandler(t *testing.T, gateway payment.Gateway) (*Handler, *stubStore) {
	t.Helper()
	st := newStubStore()
	manager := schedule.NewManager(st, bus.New(), schedule.Config{AverageConsultMinutes: 20})
	return NewHandler(manager, nil, Options{Payments: gateway}), st
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBookThenConfirmAssignsToken(t *testing.T) {
	gateway := &stubGateway{verifyOK: true}
	h, _ := newTestHandler(t, gateway)
	routes := h.Routes()

	rec := postJSON(t, routes, "/api/appointments", `{
		"request_id": "`+requestID+`",
		"doctor_id": "`+doctorID+`",
		"patient_id": "`+patientID+`",
		"session_date": "2025-03-10",
		"amount": 50000,
		"currency": "INR"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("book status = %d, body %s", rec.Code, rec.Body.String())
	}
	var booked struct {
		Appointment  models.Appointment `json:"appointment"`
		PaymentOrder payment.Order      `json:"payment_order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &booked); err != nil {
		t.Fatalf("decode book response: %v", err)
	}
	if booked.Appointment.TokenNumber != nil {
		t.Fatalf("token assigned before confirmation")
	}
	if booked.PaymentOrder.OrderID != "order_1" {
		t.Fatalf("payment order = %+v", booked.PaymentOrder)
	}

	rec = postJSON(t, routes, "/api/appointments/actions/confirm", `{
		"request_id": "`+requestID+`",
		"appointment_id": "`+booked.Appointment.AppointmentID+`",
		"order_id": "order_1",
		"payment_id": "pay_1",
		"signature": "sig"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d, body %s", rec.Code, rec.Body.String())
	}
	var confirmed struct {
		Appointment models.Appointment `json:"appointment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &confirmed); err != nil {
		t.Fatalf("decode confirm response: %v", err)
	}
	if confirmed.Appointment.TokenNumber == nil || *confirmed.Appointment.TokenNumber != 1 {
		t.Fatalf("token = %v, want 1", confirmed.Appointment.TokenNumber)
	}
}

func TestConfirmRejectsBadSignature(t *testing.T) {
	gateway := &stubGateway{verifyOK: false}
	h, _ := newTestHandler(t, gateway)

	rec := postJSON(t, h.Routes(), "/api/appointments/actions/confirm", `{
		"appointment_id": "`+requestID+`",
		"order_id": "order_1",
		"payment_id": "pay_1",
		"signature": "forged"
	}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error.Code != "payment_unverified" {
		t.Fatalf("code = %q", resp.Error.Code)
	}
}

func TestBookValidation(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	routes := h.Routes()

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed JSON", `{`, "invalid_json"},
		{"unknown field", `{"request_id":"` + requestID + `","doctor":"x"}`, "invalid_json"},
		{"missing fields", `{"request_id":"` + requestID + `"}`, "invalid_request"},
		{"non-uuid ids", `{"request_id":"abc","doctor_id":"d","patient_id":"p","session_date":"2025-03-10"}`, "invalid_request"},
		{"bad mode", `{"request_id":"` + requestID + `","doctor_id":"` + doctorID + `","patient_id":"` + patientID + `","session_date":"2025-03-10","mode":"video"}`, "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(t, routes, "/api/appointments", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var resp errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if resp.Error.Code != tc.code {
				t.Fatalf("code = %q, want %q", resp.Error.Code, tc.code)
			}
		})
	}
}

func TestUnknownActionsRejected(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	routes := h.Routes()

	rec := postJSON(t, routes, "/api/appointments/"+requestID+"/promote", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("appointment action status = %d, want 404", rec.Code)
	}
	rec = postJSON(t, routes, "/api/sessions/"+requestID+"/promote", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("session action status = %d, want 404", rec.Code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrSessionNotFound, http.StatusNotFound, "session_not_found"},
		{store.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
		{store.ErrNoSlots, http.StatusConflict, "no_slots"},
		{store.ErrNoMorePatients, http.StatusConflict, "queue_empty"},
		{store.ErrOutsideWindow, http.StatusConflict, "outside_window"},
		{store.ErrRecallLimit, http.StatusConflict, "recall_limit"},
		{store.ErrCallInProgress, http.StatusConflict, "call_in_progress"},
		{store.ErrNotOwner, http.StatusForbidden, "not_owner"},
		{store.ErrTokenTaken, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		status, code, _ := mapError(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("mapError(%v) = (%d, %q), want (%d, %q)", tc.err, status, code, tc.status, tc.code)
		}
	}
}

func TestRateLimiterThrottles(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{
		PerIPPerMinute:     60,
		PerUserPerMinute:   60,
		Burst:              2,
		CleanupInterval:    time.Minute,
		EntryIdleRetention: time.Minute,
	})
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := limiter.Middleware(inner)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}

	// A different client address gets its own bucket.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	wrapped.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("fresh client status = %d, want 200", rec.Code)
	}
}

func TestExtractUserIDRestoresBody(t *testing.T) {
	body := `{"doctor_id":"` + doctorID + `","session_id":"x"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/actions/call-next", strings.NewReader(body))
	if got := extractUserID(req); got != doctorID {
		t.Fatalf("user id = %q, want %q", got, doctorID)
	}
	var echo struct {
		DoctorID string `json:"doctor_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&echo); err != nil {
		t.Fatalf("body not restored: %v", err)
	}
	if echo.DoctorID != doctorID {
		t.Fatalf("restored body doctor_id = %q", echo.DoctorID)
	}
}
