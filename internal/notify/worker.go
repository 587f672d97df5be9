package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

const consumerName = "notify-worker"

// Contact holds the delivery addresses known for a patient.
type Contact struct {
	Phone string
	Email string
}

// Directory resolves a patient id to their contact addresses. Outbox
// payloads carry ids only; contact data lives with the identity service.
type Directory interface {
	Lookup(ctx context.Context, patientID string) (Contact, error)
}

// NoopDirectory resolves nothing; every notification is skipped. Useful
// for deployments that run notifications elsewhere.
type NoopDirectory struct{}

func (NoopDirectory) Lookup(context.Context, string) (Contact, error) {
	return Contact{}, nil
}

type payloadData map[string]interface{}

// Worker drains the outbox and fans notifications out to providers. It is
// strictly downstream of scheduling and signaling: provider failures are
// logged and the offset still advances, so a broken provider can never
// stall the queue.
type Worker struct {
	store     store.Store
	directory Directory
	batchSize int
	sms       Provider
	email     Provider
}

type Config struct {
	BatchSize     int
	SMSProvider   Provider
	EmailProvider Provider
}

func NewWorker(st store.Store, directory Directory, cfg Config) *Worker {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	sms := cfg.SMSProvider
	if sms == nil {
		sms = logProvider{channel: "sms"}
	}
	email := cfg.EmailProvider
	if email == nil {
		email = logProvider{channel: "email"}
	}
	if directory == nil {
		directory = NoopDirectory{}
	}
	return &Worker{
		store:     st,
		directory: directory,
		batchSize: batch,
		sms:       sms,
		email:     email,
	}
}

// Run drains one batch. The offset advances past every event, delivered or
// not; a poisoned event is logged once and never retried.
func (w *Worker) Run(ctx context.Context) error {
	offset, err := w.store.GetOutboxOffset(ctx, consumerName)
	if err != nil {
		return err
	}

	events, err := w.store.ListOutboxEvents(ctx, offset, w.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		if err := w.process(ctx, event); err != nil {
			log.Printf("notify process error event=%s type=%s: %v", event.EventID, event.Type, err)
		}
		offset = store.OutboxOffset{LastEventTime: event.CreatedAt, LastEventID: event.EventID}
	}

	if len(events) > 0 {
		if err := w.store.UpdateOutboxOffset(ctx, consumerName, offset); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) process(ctx context.Context, event store.OutboxEvent) error {
	template := templateForEvent(event.Type)
	if template == "" {
		return nil
	}

	payload := payloadData{}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	patientID := str(payload, "patient_id")
	if patientID == "" {
		return nil
	}
	contact, err := w.directory.Lookup(ctx, patientID)
	if err != nil {
		return err
	}

	message := renderTemplate(template, payload)
	if contact.Phone != "" {
		if err := w.sms.Send(ctx, message, contact.Phone); err != nil {
			log.Printf("notify sms error patient=%s: %v", patientID, err)
		}
	}
	if contact.Email != "" {
		if err := w.email.Send(ctx, message, contact.Email); err != nil {
			log.Printf("notify email error patient=%s: %v", patientID, err)
		}
	}
	return nil
}

func templateForEvent(eventType string) string {
	switch eventType {
	case "token.assigned":
		return "Your consultation token is {token_number}."
	case "appointment.called":
		return "Token {token_number} is being called now. Please proceed for your consultation."
	case "appointment.recalled":
		return "Token {token_number} is being called again. Please proceed immediately."
	case "session.cancelled":
		return "Today's consultation session was cancelled by the clinic. Your booking will be refunded."
	case "appointment.cancelled":
		return "Your appointment was cancelled."
	case "call.missed":
		return "You missed a consultation call from your doctor."
	default:
		return ""
	}
}

func renderTemplate(template string, payload payloadData) string {
	result := template
	result = strings.ReplaceAll(result, "{token_number}", str(payload, "token_number"))
	result = strings.ReplaceAll(result, "{session_id}", str(payload, "session_id"))
	return result
}

func str(payload payloadData, key string) string {
	value, ok := payload[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

// Start polls the outbox until the context is cancelled.
func Start(ctx context.Context, interval time.Duration, w *Worker) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Run(ctx); err != nil {
				log.Printf("notify worker error: %v", err)
			}
		}
	}
}
