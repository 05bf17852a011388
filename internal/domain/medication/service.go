package medication

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthvault/healthvault/internal/domain/adherence"
	"github.com/healthvault/healthvault/internal/domain/interaction"
	"github.com/healthvault/healthvault/internal/platform/errcode"
	"github.com/healthvault/healthvault/internal/platform/notification"
)

var (
	ErrNotFound     = errcode.New(errcode.MedicationNotFound, "medication not found")
	ErrLogNotFound  = errors.New("dose log not found")
	ErrLogImmutable = errcode.New(errcode.LogImmutable, "dose log is already resolved and cannot change")
	// ErrLogSlotTaken is returned by LogRepository.Append when another log
	// already holds the same (medication, scheduled_at) slot.
	ErrLogSlotTaken = errors.New("dose log slot already taken")
)

// SafetyChecker checks a medication against a user's active set.
// *interaction.Engine satisfies it.
type SafetyChecker interface {
	Check(ctx context.Context, added interaction.Subject, existing []interaction.Subject) *interaction.CheckResult
}

// AdherencePolicy controls the adherence recomputed after each dose event.
type AdherencePolicy struct {
	// Window is how far back RecordDose looks.
	Window time.Duration
	// LowThreshold is the rate (0-100) below which adherence_low fires.
	LowThreshold float64
	// MinDoses is the smallest Total for which adherence_low may fire.
	MinDoses int
}

func DefaultAdherencePolicy() AdherencePolicy {
	return AdherencePolicy{Window: 7 * 24 * time.Hour, LowThreshold: 80, MinDoses: 3}
}

type Service struct {
	meds   Repository
	logs   LogRepository
	safety SafetyChecker
	events notification.Dispatcher
	logger zerolog.Logger
	now    func() time.Time
	policy AdherencePolicy
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithAdherencePolicy(p AdherencePolicy) Option {
	return func(s *Service) { s.policy = p }
}

func NewService(meds Repository, logs LogRepository, safety SafetyChecker, events notification.Dispatcher, logger zerolog.Logger, opts ...Option) *Service {
	if events == nil {
		events = notification.Nop{}
	}
	s := &Service{
		meds:   meds,
		logs:   logs,
		safety: safety,
		events: events,
		logger: logger.With().Str("component", "medication").Logger(),
		now:    time.Now,
		policy: DefaultAdherencePolicy(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func badRequest(msg string) error { return errcode.New(errcode.BadRequest, msg) }

func (s *Service) build(userID uuid.UUID, in NewMedication) (*Medication, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, badRequest("name is required")
	}
	dosage := strings.TrimSpace(in.Dosage)
	if dosage == "" {
		return nil, badRequest("dosage is required")
	}
	if err := in.Schedule.Validate(); err != nil {
		return nil, errcode.Wrap(errcode.BadRequest, "invalid schedule", err)
	}
	if in.Schedule.PerDay() != len(in.Schedule.Times) {
		return nil, badRequest("schedule times must be distinct")
	}

	start := s.now().UTC().Truncate(time.Minute)
	if in.StartDate != nil {
		start = in.StartDate.UTC()
	}
	if in.EndDate != nil && in.EndDate.Before(start) {
		return nil, badRequest("end_date must not be before start_date")
	}

	m := &Medication{
		ID:          uuid.New(),
		UserID:      userID,
		Name:        name,
		GenericName: trimOptional(in.GenericName),
		Dosage:      dosage,
		Schedule:    in.Schedule,
		StartDate:   start,
		EndDate:     in.EndDate,
		Status:      StatusActive,
		Notes:       trimOptional(in.Notes),
	}
	return m, nil
}

func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}

// ActiveSubjects returns the user's medications that are active now, as
// interaction subjects.
func (s *Service) ActiveSubjects(ctx context.Context, userID uuid.UUID) ([]interaction.Subject, error) {
	meds, err := s.meds.ListByStatus(ctx, userID, StatusActive)
	if err != nil {
		return nil, errcode.Wrap(errcode.StorageError, "load active medications", err)
	}
	now := s.now()
	out := make([]interaction.Subject, 0, len(meds))
	for _, m := range meds {
		if m.Active(now) {
			out = append(out, m.Subject())
		}
	}
	return out, nil
}

func (s *Service) check(ctx context.Context, m *Medication) (*interaction.CheckResult, error) {
	existing, err := s.ActiveSubjects(ctx, m.UserID)
	if err != nil {
		return nil, err
	}
	return s.safety.Check(ctx, m.Subject(), existing), nil
}

// CheckMedication runs the safety check for in without saving anything.
func (s *Service) CheckMedication(ctx context.Context, userID uuid.UUID, in NewMedication) (*AddResult, error) {
	m, err := s.build(userID, in)
	if err != nil {
		return nil, err
	}
	res, err := s.check(ctx, m)
	if err != nil {
		return nil, err
	}
	return &AddResult{Safety: res}, nil
}

// AddMedication checks in against the active set and saves it. The
// medication is saved even when the check found warnings or was
// incomplete; the caller decides what to show.
func (s *Service) AddMedication(ctx context.Context, userID uuid.UUID, in NewMedication) (*AddResult, error) {
	m, err := s.build(userID, in)
	if err != nil {
		return nil, err
	}
	res, err := s.check(ctx, m)
	if err != nil {
		return nil, err
	}
	if err := s.meds.Create(ctx, m); err != nil {
		return nil, errcode.Wrap(errcode.StorageError, "save medication", err)
	}

	s.logger.Info().
		Str("medication_id", m.ID.String()).
		Int("warnings", len(res.Warnings)).
		Bool("incomplete", res.Incomplete).
		Msg("medication added")

	s.emitSafetyEvents(ctx, userID, m.ID, res)
	return &AddResult{Medication: m, Safety: res}, nil
}

func (s *Service) emitSafetyEvents(ctx context.Context, userID, subject uuid.UUID, res *interaction.CheckResult) {
	if res.ConsultProvider {
		severe := 0
		for _, w := range res.Warnings {
			if w.Severity == interaction.SeveritySevere {
				severe++
			}
		}
		s.events.Dispatch(ctx, notification.NewEvent(notification.EventSevereInteractionDetected,
			userID.String(), subject.String(), map[string]string{"count": strconv.Itoa(severe)}))
	}
	if res.Incomplete {
		s.events.Dispatch(ctx, notification.NewEvent(notification.EventInteractionCheckIncomplete,
			userID.String(), subject.String(), map[string]string{"unresolved": strconv.Itoa(len(res.Unresolved))}))
	}
}

func (s *Service) GetMedication(ctx context.Context, userID, id uuid.UUID) (*Medication, error) {
	return s.meds.Get(ctx, userID, id)
}

// ListMedications lists the user's medications, optionally by status.
func (s *Service) ListMedications(ctx context.Context, userID uuid.UUID, status Status, limit, offset int) ([]*Medication, int, error) {
	if status != "" && status != StatusActive && status != StatusStopped {
		return nil, 0, badRequest("status must be active or stopped")
	}
	return s.meds.List(ctx, userID, status, limit, offset)
}

// StopMedication ends the medication now. Stopping twice is a no-op.
func (s *Service) StopMedication(ctx context.Context, userID, id uuid.UUID) (*Medication, error) {
	m, err := s.meds.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if m.Status == StatusStopped {
		return m, nil
	}

	end := s.now().UTC()
	if m.EndDate != nil && m.EndDate.Before(end) {
		end = *m.EndDate
	}
	if end.Before(m.StartDate) {
		end = m.StartDate
	}
	if err := s.meds.UpdateStatus(ctx, userID, id, StatusStopped, &end); err != nil {
		return nil, err
	}
	m.Status = StatusStopped
	m.EndDate = &end
	return m, nil
}

// RecordDose appends a dose event, or resolves the pending log for the same
// slot, then recomputes recent adherence.
func (s *Service) RecordDose(ctx context.Context, userID, medicationID uuid.UUID, ev DoseEvent) (*DoseResult, error) {
	m, err := s.meds.Get(ctx, userID, medicationID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if !ev.Status.Valid() {
		return nil, badRequest("status must be pending, taken, missed or skipped")
	}
	if ev.ScheduledAt.IsZero() {
		return nil, badRequest("scheduled_at is required")
	}
	at := ev.ScheduledAt.UTC().Truncate(time.Minute)
	if !m.Window().Contains(at) {
		return nil, badRequest("scheduled_at is outside the medication's active period")
	}
	if ev.Status == adherence.StatusMissed && at.After(now) {
		return nil, badRequest("a future dose cannot be missed")
	}
	takenAt := ev.TakenAt
	switch ev.Status {
	case adherence.StatusTaken:
		if takenAt == nil {
			takenAt = &now
		}
	default:
		takenAt = nil
	}

	log, err := s.storeDose(ctx, &MedicationLog{
		MedicationID: medicationID,
		UserID:       userID,
		ScheduledAt:  at,
		TakenAt:      takenAt,
		Status:       ev.Status,
		Note:         trimOptional(ev.Note),
	})
	if err != nil {
		return nil, err
	}

	report, err := s.adherence(ctx, m, now.Add(-s.policy.Window), now, now)
	if err != nil {
		return nil, err
	}

	if log.Status == adherence.StatusMissed {
		s.events.Dispatch(ctx, notification.NewEvent(notification.EventDoseMissed,
			userID.String(), medicationID.String(),
			map[string]string{"scheduled_at": log.ScheduledAt.Format(time.RFC3339)}))
	}
	if report.Total >= s.policy.MinDoses && report.Rate < s.policy.LowThreshold {
		s.events.Dispatch(ctx, notification.NewEvent(notification.EventAdherenceLow,
			userID.String(), medicationID.String(),
			map[string]string{"rate": strconv.FormatFloat(report.Rate, 'f', 1, 64)}))
	}

	return &DoseResult{Log: log, Adherence: report}, nil
}

// storeDose appends want to a free slot or resolves the pending log already
// in it. A concurrent writer that claims the slot between the read and the
// insert is handled by reading the slot again.
func (s *Service) storeDose(ctx context.Context, want *MedicationLog) (*MedicationLog, error) {
	for attempt := 0; ; attempt++ {
		log, err := s.logs.GetBySlot(ctx, want.UserID, want.MedicationID, want.ScheduledAt)
		switch {
		case errors.Is(err, ErrLogNotFound):
			log = &MedicationLog{}
			*log = *want
			log.ID = uuid.New()
			err := s.logs.Append(ctx, log)
			if errors.Is(err, ErrLogSlotTaken) && attempt == 0 {
				continue
			}
			if err != nil {
				return nil, errcode.Wrap(errcode.StorageError, "append dose log", err)
			}
			return log, nil
		case err != nil:
			return nil, errcode.Wrap(errcode.StorageError, "load dose log", err)
		case !canResolve(log.Status, want.Status):
			return nil, ErrLogImmutable
		default:
			return s.logs.Resolve(ctx, want.UserID, log.ID, want.Status, want.TakenAt, want.Note)
		}
	}
}

func checkRange(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return badRequest("from and to are required")
	}
	if to.Before(from) {
		return badRequest("to must not be before from")
	}
	return nil
}

// ListLogs returns dose logs with scheduled_at in [from, to].
func (s *Service) ListLogs(ctx context.Context, userID, medicationID uuid.UUID, from, to time.Time) ([]*MedicationLog, error) {
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	if _, err := s.meds.Get(ctx, userID, medicationID); err != nil {
		return nil, err
	}
	return s.logs.ListRange(ctx, userID, medicationID, from, to)
}

// GetAdherence computes adherence over [from, to] as of now.
func (s *Service) GetAdherence(ctx context.Context, userID, medicationID uuid.UUID, from, to time.Time) (adherence.Report, error) {
	if err := checkRange(from, to); err != nil {
		return adherence.Report{}, err
	}
	m, err := s.meds.Get(ctx, userID, medicationID)
	if err != nil {
		return adherence.Report{}, err
	}
	return s.adherence(ctx, m, from, to, s.now())
}

func (s *Service) adherence(ctx context.Context, m *Medication, from, to, now time.Time) (adherence.Report, error) {
	logs, err := s.logs.ListRange(ctx, m.UserID, m.ID, from, to)
	if err != nil {
		return adherence.Report{}, errcode.Wrap(errcode.StorageError, "load dose logs", err)
	}
	entries := make([]adherence.Entry, len(logs))
	for i, l := range logs {
		entries[i] = adherence.Entry{ScheduledAt: l.ScheduledAt, Status: l.Status}
	}
	return adherence.Compute(adherence.Input{
		Schedule: m.Schedule,
		Window:   m.Window(),
		From:     from,
		To:       to,
		Now:      now,
		Logs:     entries,
	}), nil
}
