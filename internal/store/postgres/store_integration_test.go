package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"
)

func TestAssignTokenConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	session := seedSession(t, ctx, st)
	apptA := seedAppointment(t, ctx, st, session)
	apptB := seedAppointment(t, ctx, st, session)

	// Both writers computed the same candidate; the partial unique index
	// must let exactly one commit.
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, appointmentID := range []string{apptA.AppointmentID, apptB.AppointmentID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := st.AssignToken(ctx, id, 1, time.Now().UTC())
			results <- err
		}(appointmentID)
	}
	wg.Wait()
	close(results)

	var wins, collisions int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrTokenTaken):
			collisions++
		default:
			t.Fatalf("assign token error: %v", err)
		}
	}
	if wins != 1 || collisions != 1 {
		t.Fatalf("wins=%d collisions=%d, want exactly one of each", wins, collisions)
	}
}

func TestAssignTokenAllowsCancelledNumber(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	session := seedSession(t, ctx, st)
	first := seedAppointment(t, ctx, st, session)
	second := seedAppointment(t, ctx, st, session)

	if _, err := st.AssignToken(ctx, first.AppointmentID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := st.CancelAppointment(ctx, first.AppointmentID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The index only covers live rows, so re-issuing a cancelled number is
	// the allocator's decision, not a constraint violation.
	if _, err := st.AssignToken(ctx, second.AppointmentID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("assign after cancel: %v", err)
	}
	cancelled, err := st.CancelledTokens(ctx, session.SessionID)
	if err != nil {
		t.Fatalf("cancelled tokens: %v", err)
	}
	if len(cancelled) != 1 || cancelled[0] != 1 {
		t.Fatalf("cancelled tokens = %v, want [1]", cancelled)
	}
}

func TestCreateCallConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	session := seedSession(t, ctx, st)
	appt := seedAppointment(t, ctx, st, session)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.CreateCall(ctx, store.CreateCallInput{
				AppointmentID: appt.AppointmentID,
				DoctorID:      appt.DoctorID,
				PatientID:     appt.PatientID,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, rejections int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrCallInProgress):
			rejections++
		default:
			t.Fatalf("create call error: %v", err)
		}
	}
	if wins != 1 || rejections != 1 {
		t.Fatalf("wins=%d rejections=%d, want exactly one of each", wins, rejections)
	}

	// Ending the live call frees the appointment for a fresh call.
	live, found, err := st.ActiveCallForAppointment(ctx, appt.AppointmentID)
	if err != nil || !found {
		t.Fatalf("active call: found=%v err=%v", found, err)
	}
	if _, err := st.EndCall(ctx, store.EndCallInput{
		CallID:  live.CallID,
		Status:  models.CallEnded,
		Reason:  "doctor_ended",
		EndedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if _, err := st.CreateCall(ctx, store.CreateCallInput{
		AppointmentID: appt.AppointmentID,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
	}); err != nil {
		t.Fatalf("create call after end: %v", err)
	}
}

func TestCreateAppointmentIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	session := seedSession(t, ctx, st)
	requestID := uuid.NewString()
	input := store.CreateAppointmentInput{
		RequestID: requestID,
		DoctorID:  session.DoctorID,
		PatientID: uuid.NewString(),
		SessionID: session.SessionID,
		Mode:      models.ModeToken,
	}

	first, created, err := st.CreateAppointment(ctx, input)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := st.CreateAppointment(ctx, input)
	if err != nil || created {
		t.Fatalf("replay create: created=%v err=%v", created, err)
	}
	if first.AppointmentID != second.AppointmentID {
		t.Fatalf("replay returned a different appointment")
	}

	var count int
	row := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox_events WHERE type = 'appointment.created'
	`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count outbox events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 appointment.created event, got %d", count)
	}
}

func TestAdvanceCurrentTokenStaleIsNoop(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	session := seedSession(t, ctx, st)
	now := time.Now().UTC()

	advanced, err := st.AdvanceCurrentToken(ctx, session.SessionID, 2, now)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if advanced.CurrentToken != 2 || advanced.Status != models.SessionLive {
		t.Fatalf("session = current %d status %s, want 2/live", advanced.CurrentToken, advanced.Status)
	}

	stale, err := st.AdvanceCurrentToken(ctx, session.SessionID, 1, now)
	if err != nil {
		t.Fatalf("stale advance: %v", err)
	}
	if stale.CurrentToken != 2 {
		t.Fatalf("current = %d after stale advance, want 2", stale.CurrentToken)
	}
}

func seedSession(t *testing.T, ctx context.Context, st *Store) models.Session {
	t.Helper()
	day := time.Now().UTC().Truncate(24 * time.Hour)
	session, _, err := st.GetOrCreateSession(ctx, store.CreateSessionInput{
		DoctorID:    uuid.NewString(),
		SessionDate: day.Format("2006-01-02"),
		StartAt:     day.Add(9 * time.Hour),
		EndAt:       day.Add(17 * time.Hour),
		MaxTokens:   10,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return session
}

func seedAppointment(t *testing.T, ctx context.Context, st *Store, session models.Session) models.Appointment {
	t.Helper()
	appt, _, err := st.CreateAppointment(ctx, store.CreateAppointmentInput{
		RequestID: uuid.NewString(),
		DoctorID:  session.DoctorID,
		PatientID: uuid.NewString(),
		SessionID: session.SessionID,
		Mode:      models.ModeToken,
	})
	if err != nil {
		t.Fatalf("seed appointment: %v", err)
	}
	return appt
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
