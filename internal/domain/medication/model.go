package medication

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/domain/adherence"
	"github.com/healthvault/healthvault/internal/domain/dosing"
	"github.com/healthvault/healthvault/internal/domain/interaction"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
)

// Medication is one entry in a user's medication list. Name, GenericName,
// Dosage and Notes are PHI and are encrypted at rest.
type Medication struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"user_id"`
	Name        string          `json:"name"`
	GenericName *string         `json:"generic_name,omitempty"`
	Dosage      string          `json:"dosage"`
	Schedule    dosing.Schedule `json:"schedule"`
	StartDate   time.Time       `json:"start_date"`
	EndDate     *time.Time      `json:"end_date,omitempty"`
	Status      Status          `json:"status"`
	Notes       *string         `json:"notes,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Window is the period during which doses are scheduled.
func (m *Medication) Window() dosing.Window {
	return dosing.Window{Start: m.StartDate, End: m.EndDate}
}

// Active reports whether the medication counts toward the active set at t.
func (m *Medication) Active(at time.Time) bool {
	return m.Status == StatusActive && m.Window().Contains(at)
}

// Subject is the identity used for interaction checks, preferring the
// generic name.
func (m *Medication) Subject() interaction.Subject {
	name := m.Name
	if m.GenericName != nil && strings.TrimSpace(*m.GenericName) != "" {
		name = *m.GenericName
	}
	return interaction.Subject{ID: m.ID, Name: name}
}

// NewMedication is the input for AddMedication and CheckMedication.
type NewMedication struct {
	Name        string          `json:"name"`
	GenericName *string         `json:"generic_name,omitempty"`
	Dosage      string          `json:"dosage"`
	Schedule    dosing.Schedule `json:"schedule"`
	StartDate   *time.Time      `json:"start_date,omitempty"`
	EndDate     *time.Time      `json:"end_date,omitempty"`
	Notes       *string         `json:"notes,omitempty"`
}

// MedicationLog is an append-only dose record. The only permitted change
// is resolving a pending slot to taken, missed or skipped.
type MedicationLog struct {
	ID           uuid.UUID        `json:"id"`
	MedicationID uuid.UUID        `json:"medication_id"`
	UserID       uuid.UUID        `json:"user_id"`
	ScheduledAt  time.Time        `json:"scheduled_at"`
	TakenAt      *time.Time       `json:"taken_at,omitempty"`
	Status       adherence.Status `json:"status"`
	Note         *string          `json:"note,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// DoseEvent is the input for RecordDose.
type DoseEvent struct {
	ScheduledAt time.Time        `json:"scheduled_at"`
	Status      adherence.Status `json:"status"`
	TakenAt     *time.Time       `json:"taken_at,omitempty"`
	Note        *string          `json:"note,omitempty"`
}

// AddResult is returned by AddMedication and CheckMedication. Medication is
// nil for a dry run.
type AddResult struct {
	Medication *Medication              `json:"medication,omitempty"`
	Safety     *interaction.CheckResult `json:"safety"`
}

// DoseResult is returned by RecordDose.
type DoseResult struct {
	Log       *MedicationLog   `json:"log"`
	Adherence adherence.Report `json:"adherence"`
}

func canResolve(from, to adherence.Status) bool {
	return from == adherence.StatusPending &&
		(to == adherence.StatusTaken || to == adherence.StatusMissed || to == adherence.StatusSkipped)
}
