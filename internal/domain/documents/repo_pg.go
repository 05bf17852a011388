package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/healthvault/healthvault/internal/platform/db"
	"github.com/healthvault/healthvault/internal/platform/hipaa"
)

const uniqueViolation = "23505"

// =========== Document Run Repository ===========

// runRepoPG stores runs in document_runs. The file name, extracted text,
// structured data and interaction summary are encrypted and bound to the
// owning user.
type runRepoPG struct {
	pool *pgxpool.Pool
	enc  hipaa.FieldEncryptor
}

func NewRunRepoPG(pool *pgxpool.Pool, enc hipaa.FieldEncryptor) RunRepository {
	return &runRepoPG{pool: pool, enc: enc}
}

func (r *runRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const runCols = `id, user_id, state, source_ref, file_name_enc, content_type, size_bytes,
	content_hash, idempotency_key, extracted_text_enc, confidence, data_enc,
	interactions_enc, error_code, error_detail, version, created_at, updated_at`

// sealedRun holds the encrypted columns of a run.
type sealedRun struct {
	fileName     string
	text         *string
	data         []byte
	interactions []byte
}

func (r *runRepoPG) seal(run *DocumentRun) (sealedRun, error) {
	owner := run.UserID.String()
	var (
		s   sealedRun
		err error
	)
	if s.fileName, err = r.enc.Encrypt(run.FileName); err != nil {
		return s, fmt.Errorf("encrypt file name: %w", err)
	}
	if s.text, err = hipaa.EncryptOptional(r.enc, run.ExtractedText); err != nil {
		return s, fmt.Errorf("encrypt extracted text: %w", err)
	}
	if run.Data != nil {
		if s.data, err = hipaa.SealJSON(r.enc, owner, run.Data); err != nil {
			return s, fmt.Errorf("seal medical data: %w", err)
		}
	}
	if run.Interactions != nil {
		if s.interactions, err = hipaa.SealJSON(r.enc, owner, run.Interactions); err != nil {
			return s, fmt.Errorf("seal interactions: %w", err)
		}
	}
	return s, nil
}

func (r *runRepoPG) scanRun(row pgx.Row) (*DocumentRun, error) {
	var (
		run DocumentRun
		s   sealedRun
	)
	err := row.Scan(&run.ID, &run.UserID, &run.State, &run.SourceRef, &s.fileName, &run.ContentType,
		&run.SizeBytes, &run.ContentHash, &run.IdempotencyKey, &s.text, &run.Confidence, &s.data,
		&s.interactions, &run.ErrorCode, &run.ErrorDetail, &run.Version, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	owner := run.UserID.String()
	if run.FileName, err = r.enc.Decrypt(s.fileName); err != nil {
		return nil, fmt.Errorf("decrypt file name: %w", err)
	}
	if run.ExtractedText, err = hipaa.DecryptOptional(r.enc, s.text); err != nil {
		return nil, fmt.Errorf("decrypt extracted text: %w", err)
	}
	if len(s.data) > 0 {
		run.Data = &MedicalData{}
		if err := hipaa.OpenJSON(r.enc, owner, s.data, run.Data); err != nil {
			return nil, fmt.Errorf("open medical data: %w", err)
		}
	}
	if len(s.interactions) > 0 {
		run.Interactions = &InteractionSummary{}
		if err := hipaa.OpenJSON(r.enc, owner, s.interactions, run.Interactions); err != nil {
			return nil, fmt.Errorf("open interactions: %w", err)
		}
	}
	return &run, nil
}

func (r *runRepoPG) Create(ctx context.Context, run *DocumentRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	s, err := r.seal(run)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO document_runs (id, user_id, state, source_ref, file_name_enc, content_type, size_bytes,
			content_hash, idempotency_key, extracted_text_enc, confidence, data_enc,
			interactions_enc, error_code, error_detail, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		run.ID, run.UserID, run.State, run.SourceRef, s.fileName, run.ContentType, run.SizeBytes,
		run.ContentHash, run.IdempotencyKey, s.text, run.Confidence, s.data,
		s.interactions, run.ErrorCode, run.ErrorDetail, run.Version, run.CreatedAt, run.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "document_runs_idempotency_key" {
		return ErrDuplicateRun
	}
	return err
}

func (r *runRepoPG) Get(ctx context.Context, userID, id uuid.UUID) (*DocumentRun, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx,
		`SELECT `+runCols+` FROM document_runs WHERE id = $1 AND user_id = $2`, id, userID))
}

func (r *runRepoPG) Update(ctx context.Context, run *DocumentRun, expected int) error {
	s, err := r.seal(run)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE document_runs SET state = $3, source_ref = $4, extracted_text_enc = $5, confidence = $6,
			data_enc = $7, interactions_enc = $8, error_code = $9, error_detail = $10,
			version = $11, updated_at = $12
		WHERE id = $1 AND user_id = $2 AND version = $13`,
		run.ID, run.UserID, run.State, run.SourceRef, s.text, run.Confidence,
		s.data, s.interactions, run.ErrorCode, run.ErrorDetail,
		run.Version, run.UpdatedAt, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *runRepoPG) FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*DocumentRun, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx,
		`SELECT `+runCols+` FROM document_runs WHERE user_id = $1 AND idempotency_key = $2`, userID, key))
}

func (r *runRepoPG) FindActiveByHash(ctx context.Context, userID uuid.UUID, hash string) (*DocumentRun, error) {
	return r.scanRun(r.conn(ctx).QueryRow(ctx, `SELECT `+runCols+` FROM document_runs
		WHERE user_id = $1 AND content_hash = $2 AND NOT (state = ANY($3))
		ORDER BY created_at DESC LIMIT 1`, userID, hash, failedStates()))
}

func failedStates() []string {
	var out []string
	for _, s := range allStates {
		if s.Failed() {
			out = append(out, string(s))
		}
	}
	return out
}

func (r *runRepoPG) List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*DocumentRun, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM document_runs WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	items, err := r.query(ctx, `SELECT `+runCols+` FROM document_runs
		WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *runRepoPG) ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]*DocumentRun, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return r.query(ctx, `SELECT `+runCols+` FROM document_runs
		WHERE state = ANY($1) AND updated_at < $2 ORDER BY updated_at LIMIT $3`, names, before, limit)
}

func (r *runRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*DocumentRun, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*DocumentRun
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, run)
	}
	return items, rows.Err()
}

// =========== Commit Store ===========

// commitStorePG writes the sealed source reference to document_sources and
// the sealed structured data to document_records in one transaction.
type commitStorePG struct {
	pool *pgxpool.Pool
}

func NewCommitStorePG(pool *pgxpool.Pool) CommitStore {
	return &commitStorePG{pool: pool}
}

func (s *commitStorePG) Commit(ctx context.Context, unit CommitUnit) error {
	return db.InTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.Conn(ctx, s.pool)
		if _, err := q.Exec(ctx, `
			INSERT INTO document_sources (document_id, user_id, source_ref_enc)
			VALUES ($1, $2, $3)
			ON CONFLICT (document_id) DO UPDATE SET source_ref_enc = EXCLUDED.source_ref_enc, committed_at = now()`,
			unit.DocumentID, unit.UserID, unit.EncryptedSourceRef); err != nil {
			return fmt.Errorf("write document source: %w", err)
		}
		if _, err := q.Exec(ctx, `
			INSERT INTO document_records (document_id, user_id, data_enc)
			VALUES ($1, $2, $3)
			ON CONFLICT (document_id) DO UPDATE SET data_enc = EXCLUDED.data_enc, committed_at = now()`,
			unit.DocumentID, unit.UserID, unit.EncryptedData); err != nil {
			return fmt.Errorf("write document record: %w", err)
		}
		return nil
	})
}

func (s *commitStorePG) Load(ctx context.Context, userID, documentID uuid.UUID) (*CommitUnit, time.Time, error) {
	unit := CommitUnit{DocumentID: documentID, UserID: userID}
	var at time.Time
	err := db.Conn(ctx, s.pool).QueryRow(ctx, `
		SELECT s.source_ref_enc, r.data_enc, r.committed_at
		FROM document_sources s
		JOIN document_records r ON r.document_id = s.document_id
		WHERE s.document_id = $1 AND s.user_id = $2`,
		documentID, userID).Scan(&unit.EncryptedSourceRef, &unit.EncryptedData, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, time.Time{}, ErrNotCommitted
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return &unit, at, nil
}
