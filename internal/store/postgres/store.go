package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/harshu-panchal/healiinn-sub004/internal/models"
	"github.com/harshu-panchal/healiinn-sub004/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const sessionColumns = `
	session_id, doctor_id, session_date::text, start_at, end_at, max_tokens, status,
	current_token, is_paused, paused_at, total_paused_minutes, pause_history,
	started_at, ended_at, created_at
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var session models.Session
	var pausedAtNull sql.NullTime
	var startedAtNull sql.NullTime
	var endedAtNull sql.NullTime
	var historyRaw []byte
	if err := row.Scan(
		&session.SessionID, &session.DoctorID, &session.SessionDate, &session.StartAt,
		&session.EndAt, &session.MaxTokens, &session.Status, &session.CurrentToken,
		&session.IsPaused, &pausedAtNull, &session.TotalPausedMinutes, &historyRaw,
		&startedAtNull, &endedAtNull, &session.CreatedAt,
	); err != nil {
		return models.Session{}, err
	}
	session.PausedAt = nullTimePtr(pausedAtNull)
	session.StartedAt = nullTimePtr(startedAtNull)
	session.EndedAt = nullTimePtr(endedAtNull)
	if len(historyRaw) > 0 {
		if err := json.Unmarshal(historyRaw, &session.PauseHistory); err != nil {
			return models.Session{}, err
		}
	}
	return session, nil
}

const appointmentColumns = `
	appointment_id, request_id, session_id, doctor_id, patient_id, token_number,
	status, queue_status, mode, recall_count, payment_order_id, created_at, confirmed_at
`

func scanAppointment(row rowScanner) (models.Appointment, error) {
	var appt models.Appointment
	var tokenNull sql.NullInt64
	var orderNull sql.NullString
	var confirmedNull sql.NullTime
	if err := row.Scan(
		&appt.AppointmentID, &appt.RequestID, &appt.SessionID, &appt.DoctorID,
		&appt.PatientID, &tokenNull, &appt.Status, &appt.QueueStatus, &appt.Mode,
		&appt.RecallCount, &orderNull, &appt.CreatedAt, &confirmedNull,
	); err != nil {
		return models.Appointment{}, err
	}
	if tokenNull.Valid {
		token := int(tokenNull.Int64)
		appt.TokenNumber = &token
	}
	if orderNull.Valid {
		appt.PaymentOrder = orderNull.String
	}
	appt.ConfirmedAt = nullTimePtr(confirmedNull)
	return appt, nil
}

const callColumns = `
	call_id, appointment_id, doctor_id, patient_id, status, reason,
	started_at, ended_at, duration_seconds, created_at
`

func scanCall(row rowScanner) (models.Call, error) {
	var call models.Call
	var reasonNull sql.NullString
	var startedNull sql.NullTime
	var endedNull sql.NullTime
	if err := row.Scan(
		&call.CallID, &call.AppointmentID, &call.DoctorID, &call.PatientID,
		&call.Status, &reasonNull, &startedNull, &endedNull,
		&call.DurationSeconds, &call.CreatedAt,
	); err != nil {
		return models.Call{}, err
	}
	if reasonNull.Valid {
		call.Reason = reasonNull.String
	}
	call.StartedAt = nullTimePtr(startedNull)
	call.EndedAt = nullTimePtr(endedNull)
	return call, nil
}

func (s *Store) GetOrCreateSession(ctx context.Context, input store.CreateSessionInput) (models.Session, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		INSERT INTO sessions (
			session_id, doctor_id, session_date, start_at, end_at, max_tokens,
			status, current_token, is_paused, total_paused_minutes, pause_history, created_at
		) VALUES ($1, $2, $3::date, $4, $5, $6, $7, 0, FALSE, 0, '[]'::jsonb, $8)
		ON CONFLICT (doctor_id, session_date) DO NOTHING
	`, uuid.NewString(), input.DoctorID, input.SessionDate, input.StartAt, input.EndAt,
		input.MaxTokens, models.SessionScheduled, time.Now().UTC())
	if err != nil {
		return models.Session{}, false, err
	}
	created := tag.RowsAffected() > 0

	row := tx.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE doctor_id = $1 AND session_date = $2::date
	`, input.DoctorID, input.SessionDate)
	session, err := scanSession(row)
	if err != nil {
		return models.Session{}, false, err
	}

	if created {
		if err = insertOutboxEvent(ctx, tx, "session.created", map[string]interface{}{
			"session_id":   session.SessionID,
			"doctor_id":    session.DoctorID,
			"session_date": session.SessionDate,
			"max_tokens":   session.MaxTokens,
		}); err != nil {
			return models.Session{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, false, err
	}
	return session, created, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE session_id = $1
	`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, store.ErrSessionNotFound
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) SessionForDoctorDate(ctx context.Context, doctorID, sessionDate string) (models.Session, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE doctor_id = $1 AND session_date = $2::date
	`, doctorID, sessionDate)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, false, nil
		}
		return models.Session{}, false, err
	}
	return session, true, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, from []string, to string, at time.Time) (models.Session, error) {
	var query string
	switch to {
	case models.SessionLive:
		query = `
			UPDATE sessions
			SET status = $3, started_at = COALESCE(started_at, $4)
			WHERE session_id = $1 AND status = ANY($2)
			RETURNING ` + sessionColumns
	case models.SessionCompleted, models.SessionCancelled:
		query = `
			UPDATE sessions
			SET status = $3, ended_at = $4
			WHERE session_id = $1 AND status = ANY($2)
			RETURNING ` + sessionColumns
	default:
		query = `
			UPDATE sessions
			SET status = $3
			WHERE session_id = $1 AND status = ANY($2)
			RETURNING ` + sessionColumns
	}

	row := s.pool.QueryRow(ctx, query, sessionID, from, to, at)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, s.sessionMissOrState(ctx, sessionID)
		}
		return models.Session{}, err
	}
	return session, nil
}

// sessionMissOrState distinguishes a missing session from a state guard miss.
func (s *Store) sessionMissOrState(ctx context.Context, sessionID string) error {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrSessionNotFound
	}
	return store.ErrInvalidState
}

func (s *Store) PauseSession(ctx context.Context, sessionID string, at time.Time) (models.Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET status = $3, is_paused = TRUE, paused_at = $2
		WHERE session_id = $1 AND status = $4
		RETURNING `+sessionColumns, sessionID, at, models.SessionPaused, models.SessionLive)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, s.sessionMissOrState(ctx, sessionID)
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) ResumeSession(ctx context.Context, sessionID string, at time.Time) (models.Session, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var pausedAtNull sql.NullTime
	row := tx.QueryRow(ctx, `
		SELECT paused_at
		FROM sessions
		WHERE session_id = $1 AND status = $2
		FOR UPDATE
	`, sessionID, models.SessionPaused)
	if err = row.Scan(&pausedAtNull); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Session{}, s.sessionMissOrState(ctx, sessionID)
		}
		return models.Session{}, err
	}

	pausedAt := at
	if pausedAtNull.Valid {
		pausedAt = pausedAtNull.Time
	}
	minutes := int(at.Sub(pausedAt).Minutes())
	if minutes < 0 {
		minutes = 0
	}
	window := models.PauseWindow{PausedAt: pausedAt.UTC(), ResumedAt: at.UTC(), DurationMinutes: minutes}
	windowJSON, err := json.Marshal([]models.PauseWindow{window})
	if err != nil {
		return models.Session{}, err
	}

	row = tx.QueryRow(ctx, `
		UPDATE sessions
		SET status = $2,
			is_paused = FALSE,
			paused_at = NULL,
			total_paused_minutes = total_paused_minutes + $3,
			pause_history = pause_history || $4::jsonb
		WHERE session_id = $1
		RETURNING `+sessionColumns, sessionID, models.SessionLive, minutes, windowJSON)
	session, err := scanSession(row)
	if err != nil {
		return models.Session{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) AdvanceCurrentToken(ctx context.Context, sessionID string, token int, at time.Time) (models.Session, error) {
	// current_token only ever moves forward; the guard makes a stale or
	// concurrent advance a no-op instead of a rollback.
	row := s.pool.QueryRow(ctx, `
		UPDATE sessions
		SET current_token = $2,
			status = $4,
			started_at = COALESCE(started_at, $3)
		WHERE session_id = $1 AND status = ANY($5) AND current_token < $2
		RETURNING `+sessionColumns, sessionID, token, at, models.SessionLive,
		[]string{models.SessionScheduled, models.SessionLive})
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A guard miss on an otherwise valid session means a concurrent
			// advance already moved past this token; hand back the current
			// row so the caller's publish still happens.
			current, readErr := s.GetSession(ctx, sessionID)
			if readErr != nil {
				return models.Session{}, readErr
			}
			if current.Status == models.SessionScheduled || current.Status == models.SessionLive {
				return current, nil
			}
			return models.Session{}, store.ErrInvalidState
		}
		return models.Session{}, err
	}
	return session, nil
}

func (s *Store) ListExpiredLiveSessions(ctx context.Context, now time.Time) ([]models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = $1 AND end_at <= $2
		ORDER BY end_at ASC
	`, models.SessionLive, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) CancelSession(ctx context.Context, sessionID string, at time.Time) (models.Session, []models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Session{}, nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE sessions
		SET status = $2, ended_at = $3
		WHERE session_id = $1 AND status = ANY($4)
		RETURNING `+sessionColumns, sessionID, models.SessionCancelled, at,
		[]string{models.SessionScheduled, models.SessionLive, models.SessionPaused})
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.sessionMissOrState(ctx, sessionID)
			return models.Session{}, nil, err
		}
		return models.Session{}, nil, err
	}

	rows, err := tx.Query(ctx, `
		UPDATE appointments
		SET status = $2, queue_status = $3
		WHERE session_id = $1 AND status = ANY($4)
		RETURNING `+appointmentColumns, sessionID, models.ApptCancelledBySession,
		models.QueueCancelled,
		[]string{models.ApptScheduled, models.ApptConfirmed, models.ApptCalled, models.ApptInConsultation})
	if err != nil {
		return models.Session{}, nil, err
	}
	var cancelled []models.Appointment
	for rows.Next() {
		appt, scanErr := scanAppointment(rows)
		if scanErr != nil {
			rows.Close()
			err = scanErr
			return models.Session{}, nil, err
		}
		cancelled = append(cancelled, appt)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return models.Session{}, nil, err
	}

	if err = insertOutboxEvent(ctx, tx, "session.cancelled", map[string]interface{}{
		"session_id":        session.SessionID,
		"doctor_id":         session.DoctorID,
		"cancelled_entries": len(cancelled),
	}); err != nil {
		return models.Session{}, nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Session{}, nil, err
	}
	return session, cancelled, nil
}

func (s *Store) CreateAppointment(ctx context.Context, input store.CreateAppointmentInput) (models.Appointment, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE request_id = $1
	`, input.RequestID)
	existing, err := scanAppointment(row)
	if err == nil {
		if err = tx.Commit(ctx); err != nil {
			return models.Appointment{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Appointment{}, false, err
	}
	err = nil

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	mode := input.Mode
	if mode == "" {
		mode = models.ModeToken
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO appointments (
			appointment_id, request_id, session_id, doctor_id, patient_id,
			status, queue_status, mode, recall_count, payment_order_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+appointmentColumns,
		uuid.NewString(), input.RequestID, input.SessionID, input.DoctorID, input.PatientID,
		models.ApptScheduled, models.QueueWaiting, mode, nullIfEmpty(input.PaymentOrder), createdAt)
	appt, err := scanAppointment(row)
	if err != nil {
		return models.Appointment{}, false, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.created", map[string]interface{}{
		"appointment_id": appt.AppointmentID,
		"session_id":     appt.SessionID,
		"doctor_id":      appt.DoctorID,
		"patient_id":     appt.PatientID,
		"mode":           appt.Mode,
	}); err != nil {
		return models.Appointment{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, false, err
	}
	return appt, true, nil
}

func (s *Store) GetAppointment(ctx context.Context, appointmentID string) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE appointment_id = $1
	`, appointmentID)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrAppointmentNotFound
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

// MaxAssignedToken aggregates with MAX rather than COUNT because skips and
// cancellations leave gaps in the token space.
func (s *Store) MaxAssignedToken(ctx context.Context, sessionID string) (int, error) {
	var max int
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(token_number), 0)
		FROM appointments
		WHERE session_id = $1
			AND token_number IS NOT NULL
			AND status NOT IN ($2, $3)
	`, sessionID, models.ApptCancelled, models.ApptCancelledBySession)
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (s *Store) CancelledTokens(ctx context.Context, sessionID string) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT token_number
		FROM appointments
		WHERE session_id = $1
			AND token_number IS NOT NULL
			AND status IN ($2, $3)
		ORDER BY token_number ASC
	`, sessionID, models.ApptCancelled, models.ApptCancelledBySession)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []int
	for rows.Next() {
		var token int
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) TokenHeld(ctx context.Context, sessionID string, token int) (bool, error) {
	var held bool
	row := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE session_id = $1
				AND token_number = $2
				AND status NOT IN ($3, $4)
		)
	`, sessionID, token, models.ApptCancelled, models.ApptCancelledBySession)
	if err := row.Scan(&held); err != nil {
		return false, err
	}
	return held, nil
}

func (s *Store) AssignToken(ctx context.Context, appointmentID string, token int, at time.Time) (models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET token_number = $2, status = $3, queue_status = $4, confirmed_at = $5
		WHERE appointment_id = $1 AND status = $6
		RETURNING `+appointmentColumns,
		appointmentID, token, models.ApptConfirmed, models.QueueWaiting, at, models.ApptScheduled)
	appt, err := scanAppointment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = store.ErrTokenTaken
			return models.Appointment{}, err
		}
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.appointmentMissOrState(ctx, appointmentID)
			return models.Appointment{}, err
		}
		return models.Appointment{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "token.assigned", map[string]interface{}{
		"appointment_id": appt.AppointmentID,
		"session_id":     appt.SessionID,
		"patient_id":     appt.PatientID,
		"token_number":   token,
	}); err != nil {
		return models.Appointment{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) appointmentMissOrState(ctx context.Context, appointmentID string) error {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE appointment_id = $1)`, appointmentID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrAppointmentNotFound
	}
	return store.ErrInvalidState
}

// CountBookedEntries counts every non-cancelled entry, token-bearing or
// not. The count is the session's capacity measure: cancelled entries free
// their slot even though their token number stays excluded.
func (s *Store) CountBookedEntries(ctx context.Context, sessionID string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM appointments
		WHERE session_id = $1 AND status NOT IN ($2, $3)
	`, sessionID, models.ApptCancelled, models.ApptCancelledBySession)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ActiveEntries(ctx context.Context, sessionID string) ([]models.Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE session_id = $1
			AND token_number IS NOT NULL
			AND queue_status = ANY($2)
		ORDER BY token_number ASC
	`, sessionID, []string{models.QueueWaiting, models.QueueCalled, models.QueueInConsultation, models.QueueSkipped})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, appt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CountActiveEntries(ctx context.Context, sessionID string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM appointments
		WHERE session_id = $1 AND queue_status = ANY($2)
	`, sessionID, []string{models.QueueWaiting, models.QueueCalled, models.QueueInConsultation})
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) NextWaitingEntry(ctx context.Context, sessionID string, afterToken int) (models.Appointment, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE session_id = $1
			AND token_number > $2
			AND queue_status = $3
		ORDER BY token_number ASC
		LIMIT 1
	`, sessionID, afterToken, models.QueueWaiting)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, false, nil
		}
		return models.Appointment{}, false, err
	}
	return appt, true, nil
}

func (s *Store) MarkEntryCalled(ctx context.Context, appointmentID string, at time.Time) (models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, queue_status = $3
		WHERE appointment_id = $1 AND queue_status = ANY($4)
		RETURNING `+appointmentColumns,
		appointmentID, models.ApptCalled, models.QueueCalled,
		[]string{models.QueueWaiting, models.QueueSkipped})
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.appointmentMissOrState(ctx, appointmentID)
			return models.Appointment{}, err
		}
		return models.Appointment{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.called", map[string]interface{}{
		"appointment_id": appt.AppointmentID,
		"session_id":     appt.SessionID,
		"patient_id":     appt.PatientID,
		"token_number":   appt.TokenNumber,
	}); err != nil {
		return models.Appointment{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) MarkEntrySkipped(ctx context.Context, appointmentID string) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET queue_status = $2
		WHERE appointment_id = $1 AND queue_status = $3
		RETURNING `+appointmentColumns,
		appointmentID, models.QueueSkipped, models.QueueCalled)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, s.appointmentMissOrState(ctx, appointmentID)
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) StartConsultation(ctx context.Context, appointmentID string) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, queue_status = $3
		WHERE appointment_id = $1 AND queue_status = $4
		RETURNING `+appointmentColumns,
		appointmentID, models.ApptInConsultation, models.QueueInConsultation, models.QueueCalled)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, s.appointmentMissOrState(ctx, appointmentID)
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) CompleteEntry(ctx context.Context, appointmentID string, at time.Time) (models.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, queue_status = $3
		WHERE appointment_id = $1 AND queue_status = ANY($4)
		RETURNING `+appointmentColumns,
		appointmentID, models.ApptCompleted, models.QueueCompleted,
		[]string{models.QueueCalled, models.QueueInConsultation})
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, s.appointmentMissOrState(ctx, appointmentID)
		}
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) CancelAppointment(ctx context.Context, appointmentID string, at time.Time) (models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2, queue_status = $3
		WHERE appointment_id = $1 AND status = ANY($4)
		RETURNING `+appointmentColumns,
		appointmentID, models.ApptCancelled, models.QueueCancelled,
		[]string{models.ApptScheduled, models.ApptConfirmed, models.ApptCalled})
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.appointmentMissOrState(ctx, appointmentID)
			return models.Appointment{}, err
		}
		return models.Appointment{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.cancelled", map[string]interface{}{
		"appointment_id": appt.AppointmentID,
		"session_id":     appt.SessionID,
		"patient_id":     appt.PatientID,
		"token_number":   appt.TokenNumber,
	}); err != nil {
		return models.Appointment{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) IncrementRecall(ctx context.Context, appointmentID string, limit int) (models.Appointment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Appointment{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET recall_count = recall_count + 1
		WHERE appointment_id = $1 AND queue_status = $2 AND recall_count < $3
		RETURNING `+appointmentColumns,
		appointmentID, models.QueueCalled, limit)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.recallMiss(ctx, appointmentID, limit)
			return models.Appointment{}, err
		}
		return models.Appointment{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "appointment.recalled", map[string]interface{}{
		"appointment_id": appt.AppointmentID,
		"session_id":     appt.SessionID,
		"patient_id":     appt.PatientID,
		"token_number":   appt.TokenNumber,
		"recall_count":   appt.RecallCount,
	}); err != nil {
		return models.Appointment{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Appointment{}, err
	}
	return appt, nil
}

func (s *Store) recallMiss(ctx context.Context, appointmentID string, limit int) error {
	var queueStatus string
	var recallCount int
	row := s.pool.QueryRow(ctx, `
		SELECT queue_status, recall_count
		FROM appointments
		WHERE appointment_id = $1
	`, appointmentID)
	if err := row.Scan(&queueStatus, &recallCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrAppointmentNotFound
		}
		return err
	}
	if recallCount >= limit {
		return store.ErrRecallLimit
	}
	return store.ErrInvalidState
}

func (s *Store) CreateCall(ctx context.Context, input store.CreateCallInput) (models.Call, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Call{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	callID := input.CallID
	if callID == "" {
		callID = uuid.NewString()
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO calls (
			call_id, appointment_id, doctor_id, patient_id, status, duration_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING `+callColumns,
		callID, input.AppointmentID, input.DoctorID, input.PatientID, models.CallInitiated, createdAt)
	call, err := scanCall(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = store.ErrCallInProgress
			return models.Call{}, err
		}
		return models.Call{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "call.initiated", map[string]interface{}{
		"call_id":        call.CallID,
		"appointment_id": call.AppointmentID,
		"doctor_id":      call.DoctorID,
		"patient_id":     call.PatientID,
	}); err != nil {
		return models.Call{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Call{}, err
	}
	return call, nil
}

func (s *Store) GetCall(ctx context.Context, callID string) (models.Call, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM calls
		WHERE call_id = $1
	`, callID)
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Call{}, store.ErrCallNotFound
		}
		return models.Call{}, err
	}
	return call, nil
}

func (s *Store) AcceptCall(ctx context.Context, callID string, at time.Time) (models.Call, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE calls
		SET status = $2, started_at = $3
		WHERE call_id = $1 AND status = $4
		RETURNING `+callColumns,
		callID, models.CallAccepted, at, models.CallInitiated)
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Call{}, s.callMissOrState(ctx, callID)
		}
		return models.Call{}, err
	}
	return call, nil
}

func (s *Store) DeclineCall(ctx context.Context, callID string) (models.Call, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE calls
		SET status = $2
		WHERE call_id = $1 AND status = $3
		RETURNING `+callColumns,
		callID, models.CallDeclined, models.CallInitiated)
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Call{}, s.callMissOrState(ctx, callID)
		}
		return models.Call{}, err
	}
	return call, nil
}

func (s *Store) EndCall(ctx context.Context, input store.EndCallInput) (models.Call, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Call{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	status := input.Status
	if status == "" {
		status = models.CallEnded
	}
	row := tx.QueryRow(ctx, `
		UPDATE calls
		SET status = $2, reason = $3, ended_at = $4, duration_seconds = $5
		WHERE call_id = $1 AND status = ANY($6)
		RETURNING `+callColumns,
		input.CallID, status, nullIfEmpty(input.Reason), input.EndedAt, input.DurationSeconds,
		[]string{models.CallInitiated, models.CallAccepted})
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = s.callMissOrState(ctx, input.CallID)
			return models.Call{}, err
		}
		return models.Call{}, err
	}

	if err = insertOutboxEvent(ctx, tx, "call."+status, map[string]interface{}{
		"call_id":          call.CallID,
		"appointment_id":   call.AppointmentID,
		"doctor_id":        call.DoctorID,
		"patient_id":       call.PatientID,
		"reason":           call.Reason,
		"duration_seconds": call.DurationSeconds,
	}); err != nil {
		return models.Call{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Call{}, err
	}
	return call, nil
}

func (s *Store) callMissOrState(ctx context.Context, callID string) error {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM calls WHERE call_id = $1)`, callID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrCallNotFound
	}
	return store.ErrInvalidState
}

func (s *Store) ActiveCallForAppointment(ctx context.Context, appointmentID string) (models.Call, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM calls
		WHERE appointment_id = $1 AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, appointmentID, []string{models.CallInitiated, models.CallAccepted})
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Call{}, false, nil
		}
		return models.Call{}, false, err
	}
	return call, true, nil
}

func (s *Store) ActiveCallForParty(ctx context.Context, userID string) (models.Call, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+callColumns+`
		FROM calls
		WHERE (doctor_id = $1 OR patient_id = $1) AND status = ANY($2)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, []string{models.CallInitiated, models.CallAccepted})
	call, err := scanCall(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Call{}, false, nil
		}
		return models.Call{}, false, err
	}
	return call, true, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, offset.LastEventTime, offset.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) GetOutboxOffset(ctx context.Context, consumer string) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM outbox_offsets
		WHERE consumer = $1
	`, consumer)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOutboxOffset(ctx context.Context, consumer string, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (consumer, last_event_time, last_event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer)
		DO UPDATE SET last_event_time = $2, last_event_id = $3
	`, consumer, offset.LastEventTime, offset.LastEventID)
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, payload map[string]interface{}) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC())
	return err
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
