package medication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthvault/healthvault/internal/domain/adherence"
	"github.com/healthvault/healthvault/internal/platform/db"
	"github.com/healthvault/healthvault/internal/platform/hipaa"
)

// =========== Medication Repository ===========

type medicationRepoPG struct {
	pool *pgxpool.Pool
	enc  hipaa.FieldEncryptor
}

func NewRepoPG(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) Repository {
	return &medicationRepoPG{pool: pool, enc: enc}
}

func (r *medicationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const medCols = `id, user_id, name_enc, generic_name_enc, dosage_enc, schedule,
	start_date, end_date, status, notes_enc, created_at, updated_at`

func (r *medicationRepoPG) scanMed(row pgx.Row) (*Medication, error) {
	var (
		m              Medication
		name, dosage   string
		generic, notes *string
	)
	err := row.Scan(&m.ID, &m.UserID, &name, &generic, &dosage, &m.Schedule,
		&m.StartDate, &m.EndDate, &m.Status, &notes, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if m.Name, err = r.enc.Decrypt(name); err != nil {
		return nil, fmt.Errorf("decrypt name: %w", err)
	}
	if m.Dosage, err = r.enc.Decrypt(dosage); err != nil {
		return nil, fmt.Errorf("decrypt dosage: %w", err)
	}
	if m.GenericName, err = hipaa.DecryptOptional(r.enc, generic); err != nil {
		return nil, fmt.Errorf("decrypt generic name: %w", err)
	}
	if m.Notes, err = hipaa.DecryptOptional(r.enc, notes); err != nil {
		return nil, fmt.Errorf("decrypt notes: %w", err)
	}
	return &m, nil
}

func (r *medicationRepoPG) Create(ctx context.Context, m *Medication) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	name, err := r.enc.Encrypt(m.Name)
	if err != nil {
		return fmt.Errorf("encrypt name: %w", err)
	}
	dosage, err := r.enc.Encrypt(m.Dosage)
	if err != nil {
		return fmt.Errorf("encrypt dosage: %w", err)
	}
	generic, err := hipaa.EncryptOptional(r.enc, m.GenericName)
	if err != nil {
		return fmt.Errorf("encrypt generic name: %w", err)
	}
	notes, err := hipaa.EncryptOptional(r.enc, m.Notes)
	if err != nil {
		return fmt.Errorf("encrypt notes: %w", err)
	}

	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medications (id, user_id, name_enc, generic_name_enc, dosage_enc, schedule,
			start_date, end_date, status, notes_enc)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		m.ID, m.UserID, name, generic, dosage, m.Schedule,
		m.StartDate, m.EndDate, m.Status, notes,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *medicationRepoPG) Get(ctx context.Context, userID, id uuid.UUID) (*Medication, error) {
	return r.scanMed(r.conn(ctx).QueryRow(ctx,
		`SELECT `+medCols+` FROM medications WHERE id = $1 AND user_id = $2`, id, userID))
}

func (r *medicationRepoPG) List(ctx context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Medication, int, error) {
	where := `WHERE user_id = $1`
	args := []interface{}{userID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM medications `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM medications %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		medCols, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	items, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *medicationRepoPG) ListByStatus(ctx context.Context, userID uuid.UUID, status Status) ([]*Medication, error) {
	return r.query(ctx, `SELECT `+medCols+` FROM medications
		WHERE user_id = $1 AND status = $2 ORDER BY created_at, id`, userID, status)
}

func (r *medicationRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Medication
	for rows.Next() {
		m, err := r.scanMed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *medicationRepoPG) UpdateStatus(ctx context.Context, userID, id uuid.UUID, status Status, endDate *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE medications SET status = $3, end_date = $4, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`,
		id, userID, status, endDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Medication Log Repository ===========

type logRepoPG struct {
	pool *pgxpool.Pool
	enc  hipaa.FieldEncryptor
}

func NewLogRepoPG(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) LogRepository {
	return &logRepoPG{pool: pool, enc: enc}
}

func (r *logRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const logCols = `id, medication_id, user_id, scheduled_at, taken_at, status, note_enc, created_at`

func (r *logRepoPG) scanLog(row pgx.Row) (*MedicationLog, error) {
	var (
		l    MedicationLog
		note *string
	)
	err := row.Scan(&l.ID, &l.MedicationID, &l.UserID, &l.ScheduledAt, &l.TakenAt, &l.Status, &note, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLogNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.Note, err = hipaa.DecryptOptional(r.enc, note); err != nil {
		return nil, fmt.Errorf("decrypt note: %w", err)
	}
	return &l, nil
}

func (r *logRepoPG) Append(ctx context.Context, l *MedicationLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	note, err := hipaa.EncryptOptional(r.enc, l.Note)
	if err != nil {
		return fmt.Errorf("encrypt note: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication_logs (id, medication_id, user_id, scheduled_at, taken_at, status, note_enc)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		l.ID, l.MedicationID, l.UserID, l.ScheduledAt, l.TakenAt, l.Status, note,
	).Scan(&l.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "medication_logs_slot" {
		return ErrLogSlotTaken
	}
	return err
}

func (r *logRepoPG) GetBySlot(ctx context.Context, userID, medicationID uuid.UUID, scheduledAt time.Time) (*MedicationLog, error) {
	return r.scanLog(r.conn(ctx).QueryRow(ctx, `SELECT `+logCols+` FROM medication_logs
		WHERE user_id = $1 AND medication_id = $2 AND scheduled_at = $3`,
		userID, medicationID, scheduledAt))
}

func (r *logRepoPG) Resolve(ctx context.Context, userID, id uuid.UUID, status adherence.Status, takenAt *time.Time, note *string) (*MedicationLog, error) {
	encNote, err := hipaa.EncryptOptional(r.enc, note)
	if err != nil {
		return nil, fmt.Errorf("encrypt note: %w", err)
	}
	l, err := r.scanLog(r.conn(ctx).QueryRow(ctx, `
		UPDATE medication_logs SET status = $3, taken_at = $4, note_enc = COALESCE($5, note_enc)
		WHERE id = $1 AND user_id = $2 AND status = 'pending'
		RETURNING `+logCols,
		id, userID, status, takenAt, encNote))
	if errors.Is(err, ErrLogNotFound) {
		return nil, ErrLogImmutable
	}
	return l, err
}

func (r *logRepoPG) ListRange(ctx context.Context, userID, medicationID uuid.UUID, from, to time.Time) ([]*MedicationLog, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+logCols+` FROM medication_logs
		WHERE user_id = $1 AND medication_id = $2 AND scheduled_at BETWEEN $3 AND $4
		ORDER BY scheduled_at`,
		userID, medicationID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*MedicationLog
	for rows.Next() {
		l, err := r.scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
