package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"

	liveSlotIndex = "appointments_live_slot"
	lockPrefix    = "slots:"
)

// PGRepository stores slots and appointments in PostgreSQL. Writers for the
// same therapist are serialized with transaction-scoped advisory locks; the
// exclusion constraint on slots and the partial unique index on live
// appointments back the same rules at the storage level.
type PGRepository struct{ pool *pgxpool.Pool }

func NewPGRepository(pool *pgxpool.Pool) *PGRepository { return &PGRepository{pool: pool} }

func (r *PGRepository) InTx(ctx context.Context, therapistIDs []string, fn func(tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, id := range lockOrder(therapistIDs) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockPrefix+id); err != nil {
			return fmt.Errorf("lock therapist %s: %w", id, err)
		}
	}

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (r *PGRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return getSlot(ctx, r.pool, id, false)
}

func (r *PGRepository) ListSlots(ctx context.Context, f SlotFilter) ([]*Slot, int, error) {
	where, args := slotWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM slots`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count slots: %w", err)
	}

	query := `SELECT ` + slotCols + ` FROM slots` + where + ` ORDER BY slot_date, start_minute, therapist_id`
	query, args = withPage(query, args, f.Limit, f.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

func (r *PGRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, r.pool, id, false)
}

func (r *PGRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]*Appointment, int, error) {
	where, args := appointmentWhere(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where + ` ORDER BY slot_date, start_minute, created_at`
	query, args = withPage(query, args, f.Limit, f.Offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// pgTx implements Tx on an open pgx transaction. Reads inside it take row
// locks so a record checked by the caller cannot change before commit.
type pgTx struct{ q queryable }

func (t *pgTx) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return getSlot(ctx, t.q, id, true)
}

func (t *pgTx) SlotsOn(ctx context.Context, therapistID string, date Date) ([]*Slot, error) {
	rows, err := t.q.Query(ctx, `SELECT `+slotCols+` FROM slots
		WHERE therapist_id = $1 AND slot_date = $2
		ORDER BY start_minute`, therapistID, dateParam(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertSlot(ctx context.Context, s *Slot) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO slots (id, therapist_id, slot_date, start_minute, end_minute, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.TherapistID, dateParam(s.Date), int(s.Start), int(s.End), string(s.Status), s.CreatedAt, s.UpdatedAt)
	return mapPgError(err)
}

func (t *pgTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM slots WHERE id = $1 AND status = $2`, id, string(SlotAvailable))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	s, err := t.GetSlot(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrNotAvailable, id, s.Status)
}

func (t *pgTx) SetSlotStatus(ctx context.Context, id uuid.UUID, from, to SlotStatus, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE slots SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(from), string(to), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	s, err := t.GetSlot(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", ErrConflict, id, s.Status)
}

func (t *pgTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, t.q, id, true)
}

func (t *pgTx) LiveAppointments(ctx context.Context, therapistID, subjectID string, date Date) ([]*Appointment, error) {
	rows, err := t.q.Query(ctx, `SELECT `+apptCols+` FROM appointments
		WHERE therapist_id = $1 AND subject_id = $2 AND slot_date = $3 AND status <> $4
		ORDER BY start_minute, created_at`,
		therapistID, subjectID, dateParam(date), string(AppointmentCancelled))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (id, slot_id, therapist_id, subject_id, booked_by, type, reason,
			meeting_link, status, cancellation_reason, rescheduled_from, rescheduled_to,
			slot_date, start_minute, end_minute, created_at, updated_at, confirmed_at, cancelled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.SlotID, a.TherapistID, a.SubjectID, a.BookedBy, string(a.Type), a.Reason,
		a.MeetingLink, string(a.Status), a.CancellationReason, a.RescheduledFrom, a.RescheduledTo,
		dateParam(a.Date), int(a.Start), int(a.End), a.CreatedAt, a.UpdatedAt, a.ConfirmedAt, a.CancelledAt)
	return mapPgError(err)
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments SET meeting_link=$2, status=$3, cancellation_reason=$4,
			rescheduled_from=$5, rescheduled_to=$6, updated_at=$7, confirmed_at=$8, cancelled_at=$9
		WHERE id = $1`,
		a.ID, a.MeetingLink, string(a.Status), a.CancellationReason,
		a.RescheduledFrom, a.RescheduledTo, a.UpdatedAt, a.ConfirmedAt, a.CancelledAt)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, a.ID)
	}
	return nil
}

// -- rows --

const slotCols = `id, therapist_id, slot_date, start_minute, end_minute, status, created_at, updated_at`

const apptCols = `id, slot_id, therapist_id, subject_id, booked_by, type, reason,
	meeting_link, status, cancellation_reason, rescheduled_from, rescheduled_to,
	slot_date, start_minute, end_minute, created_at, updated_at, confirmed_at, cancelled_at`

func getSlot(ctx context.Context, q queryable, id uuid.UUID, forUpdate bool) (*Slot, error) {
	query := `SELECT ` + slotCols + ` FROM slots WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	s, err := scanSlot(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSlotNotFound, id)
	}
	return s, err
}

func getAppointment(ctx context.Context, q queryable, id uuid.UUID, forUpdate bool) (*Appointment, error) {
	query := `SELECT ` + apptCols + ` FROM appointments WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	a, err := scanAppointment(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var (
		s          Slot
		date       time.Time
		start, end int
		status     string
	)
	if err := row.Scan(&s.ID, &s.TherapistID, &date, &start, &end, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Date = DateOf(date)
	s.Start, s.End = TimeOfDay(start), TimeOfDay(end)
	s.Status = SlotStatus(status)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a           Appointment
		date        time.Time
		start, end  int
		typ, status string
	)
	err := row.Scan(&a.ID, &a.SlotID, &a.TherapistID, &a.SubjectID, &a.BookedBy, &typ, &a.Reason,
		&a.MeetingLink, &status, &a.CancellationReason, &a.RescheduledFrom, &a.RescheduledTo,
		&date, &start, &end, &a.CreatedAt, &a.UpdatedAt, &a.ConfirmedAt, &a.CancelledAt)
	if err != nil {
		return nil, err
	}
	a.Type = AppointmentType(typ)
	a.Status = AppointmentStatus(status)
	a.Date = DateOf(date)
	a.Start, a.End = TimeOfDay(start), TimeOfDay(end)
	return &a, nil
}

// dateParam encodes a civil date as midnight UTC, which pgx writes as a DATE.
func dateParam(d Date) time.Time {
	return d.In(time.UTC)
}

// -- filters --

type whereBuilder struct {
	clauses []string
	args    []interface{}
}

func (w *whereBuilder) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

// addPair binds two arguments; clause refers to them as $%[1]d and $%[2]d.
func (w *whereBuilder) addPair(clause string, a, b interface{}) {
	w.args = append(w.args, a, b)
	n := len(w.args)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, n-1, n))
}

func (w *whereBuilder) build() (string, []interface{}) {
	if len(w.clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.clauses, " AND "), w.args
}

func slotWhere(f SlotFilter) (string, []interface{}) {
	var w whereBuilder
	if f.TherapistID != "" {
		w.add("therapist_id = $%d", f.TherapistID)
	}
	if !f.From.IsZero() {
		w.add("slot_date >= $%d", dateParam(f.From))
	}
	if !f.To.IsZero() {
		w.add("slot_date <= $%d", dateParam(f.To))
	}
	switch {
	case f.Status == "":
	case !f.AsOf.IsZero() && f.Status == SlotAvailable:
		w.addPair("status = 'available' AND (slot_date > $%[1]d OR (slot_date = $%[1]d AND start_minute > $%[2]d))",
			dateParam(DateOf(f.AsOf)), f.AsOf.Hour()*60+f.AsOf.Minute())
	case !f.AsOf.IsZero() && f.Status == SlotExpired:
		w.addPair("status = 'available' AND (slot_date < $%[1]d OR (slot_date = $%[1]d AND start_minute <= $%[2]d))",
			dateParam(DateOf(f.AsOf)), f.AsOf.Hour()*60+f.AsOf.Minute())
	default:
		w.add("status = $%d", string(f.Status))
	}
	return w.build()
}

func appointmentWhere(f AppointmentFilter) (string, []interface{}) {
	var w whereBuilder
	if f.TherapistID != "" {
		w.add("therapist_id = $%d", f.TherapistID)
	}
	if f.SubjectID != "" {
		w.add("subject_id = $%d", f.SubjectID)
	}
	if f.Status != "" {
		w.add("status = $%d", string(f.Status))
	}
	if !f.From.IsZero() {
		w.add("slot_date >= $%d", dateParam(f.From))
	}
	if !f.To.IsZero() {
		w.add("slot_date <= $%d", dateParam(f.To))
	}
	return w.build()
}

func withPage(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

// mapPgError translates constraint violations into domain errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgExclusionViolation:
		return fmt.Errorf("%w: %s", ErrOverlap, pgErr.Detail)
	case pgUniqueViolation:
		if pgErr.ConstraintName == liveSlotIndex {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		}
	}
	return err
}
