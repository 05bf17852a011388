package medication

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/domain/adherence"
)

// Repository stores medications. Every method is scoped to the owning user.
type Repository interface {
	Create(ctx context.Context, m *Medication) error
	Get(ctx context.Context, userID, id uuid.UUID) (*Medication, error)
	List(ctx context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Medication, int, error)
	ListByStatus(ctx context.Context, userID uuid.UUID, status Status) ([]*Medication, error)
	UpdateStatus(ctx context.Context, userID, id uuid.UUID, status Status, endDate *time.Time) error
}

// LogRepository stores dose logs.
type LogRepository interface {
	Append(ctx context.Context, l *MedicationLog) error
	GetBySlot(ctx context.Context, userID, medicationID uuid.UUID, scheduledAt time.Time) (*MedicationLog, error)
	// Resolve moves a pending log to status. It fails with ErrLogImmutable
	// when the log is no longer pending.
	Resolve(ctx context.Context, userID, id uuid.UUID, status adherence.Status, takenAt *time.Time, note *string) (*MedicationLog, error)
	ListRange(ctx context.Context, userID, medicationID uuid.UUID, from, to time.Time) ([]*MedicationLog, error)
}
