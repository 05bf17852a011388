package documents

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/platform/errcode"
)

var (
	ErrNotFound     = errcode.New(errcode.DocumentNotFound, "document not found")
	ErrRunInFlight  = errcode.New(errcode.DocumentBusy, "document is already being processed")
	ErrNotCommitted = errcode.New(errcode.DocumentNotFound, "document has no committed data")
	ErrNotRetryable = errcode.New(errcode.DocumentBusy, "only a run in commit_failed can retry its commit")

	// ErrVersionConflict means the run changed since it was read.
	ErrVersionConflict = errors.New("document run version conflict")
	// ErrDuplicateRun means a run with the same idempotency key exists.
	ErrDuplicateRun = errors.New("document run already exists for idempotency key")
)

// RunRepository persists document runs. Every read and write is scoped to
// the owning user except ListStale, which the sweeper uses across users.
type RunRepository interface {
	Create(ctx context.Context, run *DocumentRun) error
	Get(ctx context.Context, userID, id uuid.UUID) (*DocumentRun, error)
	// Update writes run if the stored version is still expected.
	Update(ctx context.Context, run *DocumentRun, expected int) error
	FindByIdempotencyKey(ctx context.Context, userID uuid.UUID, key string) (*DocumentRun, error)
	// FindActiveByHash returns the newest run for the content that has not
	// failed.
	FindActiveByHash(ctx context.Context, userID uuid.UUID, hash string) (*DocumentRun, error)
	List(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*DocumentRun, int, error)
	ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]*DocumentRun, error)
}

// CommitStore writes a CommitUnit atomically: both payloads or neither.
// Committing the same document again replaces the earlier unit.
type CommitStore interface {
	Commit(ctx context.Context, unit CommitUnit) error
	Load(ctx context.Context, userID, documentID uuid.UUID) (*CommitUnit, time.Time, error)
}
