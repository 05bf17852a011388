package documents

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthvault/healthvault/internal/domain/interaction"
	"github.com/healthvault/healthvault/internal/platform/errcode"
	"github.com/healthvault/healthvault/internal/platform/hipaa"
	"github.com/healthvault/healthvault/internal/platform/notification"
	"github.com/healthvault/healthvault/internal/platform/resilience"
)

// maxConflictRetries bounds how often a transition re-reads the run after a
// version conflict.
const maxConflictRetries = 3

// defaultCommitBudget bounds the commit unit when its policy has no call timeout.
const defaultCommitBudget = time.Minute

// User-facing failure details.
const (
	detailLowConfidence  = "The text in this image could not be read reliably. Please upload a clearer image."
	detailUnreadable     = "No medications, diagnoses, lab results or instructions were recognised. Please upload a clearer image."
	detailExtraction     = "Text extraction failed. Please try again."
	detailExtractTimeout = "Text extraction timed out. Please try again."
	detailUnavailable    = "The text extraction service is temporarily unavailable. Please try again later."
	detailCheckFailed    = "The medication interaction check could not be completed."
	detailCheckTimeout   = "The medication interaction check timed out."
	detailCommit         = "The document could not be saved. It can be retried."
)

// MedicationSource provides a user's active medications.
type MedicationSource interface {
	ActiveSubjects(ctx context.Context, userID uuid.UUID) ([]interaction.Subject, error)
}

// SafetyChecker checks mentioned medications against the active set and
// against each other. *interaction.Engine satisfies it.
type SafetyChecker interface {
	CheckAll(ctx context.Context, added, existing []interaction.Subject) *interaction.CheckResult
}

type PipelineConfig struct {
	// ConfidenceThreshold is the lowest extraction confidence that may
	// proceed to parsing.
	ConfidenceThreshold float64
	// MinEntities is the fewest recognised entities a parse must produce.
	MinEntities int
	// StageTimeout bounds extracting and checking_interactions.
	StageTimeout time.Duration
	// CommitPolicy governs retries of the commit unit.
	CommitPolicy resilience.Policy
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ConfidenceThreshold: 0.6,
		MinEntities:         1,
		StageTimeout:        2 * time.Minute,
		CommitPolicy:        resilience.DefaultPolicy(),
	}
}

// Pipeline drives a single document run through its states. It does not
// serialise callers; the Coordinator guarantees one caller per run.
type Pipeline struct {
	runs      RunRepository
	commits   CommitStore
	extractor Extractor
	parser    Parser
	safety    SafetyChecker
	meds      MedicationSource
	enc       hipaa.FieldEncryptor
	events    notification.Dispatcher
	cfg       PipelineConfig
	logger    zerolog.Logger
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
}

type PipelineOption func(*Pipeline)

// WithPipelineClock replaces time.Now.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// WithCommitSleep replaces the wait between commit attempts.
func WithCommitSleep(sleep func(context.Context, time.Duration) error) PipelineOption {
	return func(p *Pipeline) { p.sleep = sleep }
}

func NewPipeline(runs RunRepository, commits CommitStore, extractor Extractor, parser Parser, safety SafetyChecker, meds MedicationSource, enc hipaa.FieldEncryptor, events notification.Dispatcher, cfg PipelineConfig, logger zerolog.Logger, opts ...PipelineOption) *Pipeline {
	if events == nil {
		events = notification.Nop{}
	}
	if cfg.MinEntities < 1 {
		cfg.MinEntities = 1
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = DefaultPipelineConfig().StageTimeout
	}
	p := &Pipeline{
		runs:      runs,
		commits:   commits,
		extractor: extractor,
		parser:    parser,
		safety:    safety,
		meds:      meds,
		enc:       enc,
		events:    events,
		cfg:       cfg,
		logger:    logger.With().Str("component", "document-pipeline").Logger(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process advances the run until it reaches a terminal state or a commit
// attempt has been made. A run in commit_failed retries its commit once per
// call. The returned run is the last persisted one.
func (p *Pipeline) Process(ctx context.Context, userID, runID uuid.UUID) (*DocumentRun, error) {
	run, err := p.runs.Get(ctx, userID, runID)
	if err != nil {
		return nil, err
	}
	for !run.State.Terminal() {
		var done bool
		run, done, err = p.step(ctx, run)
		if err != nil || done {
			return run, err
		}
	}
	return run, nil
}

func (p *Pipeline) step(ctx context.Context, run *DocumentRun) (*DocumentRun, bool, error) {
	switch run.State {
	case StateExtracting:
		next, err := p.extract(ctx, run)
		return next, false, err
	case StateExtracted:
		next, err := p.advance(ctx, run, StateParsing, nil)
		return next, false, err
	case StateParsing:
		next, err := p.parse(ctx, run)
		return next, false, err
	case StateParsed:
		if run.Data != nil && len(run.Data.Medications()) > 0 {
			next, err := p.advance(ctx, run, StateCheckingInteractions, nil)
			return next, false, err
		}
		next, err := p.commit(ctx, run, nil)
		return next, true, err
	case StateCheckingInteractions:
		next, done, err := p.checkInteractions(ctx, run)
		return next, done, err
	case StateCommitFailed:
		next, err := p.commit(ctx, run, run.Interactions)
		return next, true, err
	}
	return run, true, fmt.Errorf("%w: %s is not driven by the pipeline", ErrInvalidTransition, run.State)
}

// advance persists run in state to, applying mutate first. A version
// conflict re-reads the run and tries again a bounded number of times.
func (p *Pipeline) advance(ctx context.Context, run *DocumentRun, to State, mutate func(*DocumentRun)) (*DocumentRun, error) {
	cur := run
	for attempt := 1; ; attempt++ {
		if err := checkTransition(cur.State, to); err != nil {
			return cur, err
		}
		next := cur.Clone()
		if mutate != nil {
			mutate(next)
		}
		next.State = to
		next.Version = cur.Version + 1
		next.UpdatedAt = p.now().UTC()

		err := p.runs.Update(ctx, next, cur.Version)
		if err == nil {
			observeTransition(cur.State, to)
			p.logger.Info().
				Str("document_id", next.ID.String()).
				Str("from", string(cur.State)).
				Str("to", string(to)).
				Int("version", next.Version).
				Msg("document run transition")
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return cur, errcode.Wrap(errcode.StorageError, "save document run", err)
		}

		p.logger.Error().
			Str("document_id", cur.ID.String()).
			Int("expected_version", cur.Version).
			Int("attempt", attempt).
			Msg("document run version conflict")
		if attempt >= maxConflictRetries {
			return cur, errcode.Wrap(errcode.InternalError, "document run changed concurrently", err)
		}
		fresh, gerr := p.runs.Get(ctx, cur.UserID, cur.ID)
		if gerr != nil {
			return cur, errcode.Wrap(errcode.StorageError, "reload document run", gerr)
		}
		cur = fresh
	}
}

func failWith(code errcode.Code, detail string) func(*DocumentRun) {
	return func(r *DocumentRun) { r.fail(code, detail) }
}

func (p *Pipeline) emit(ctx context.Context, t notification.EventType, run *DocumentRun, attrs map[string]string) {
	p.events.Dispatch(ctx, notification.NewEvent(t, run.UserID.String(), run.ID.String(), attrs))
}

func (p *Pipeline) extract(ctx context.Context, run *DocumentRun) (*DocumentRun, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	start := p.now()
	ex, err := p.extractor.Extract(stageCtx, run.UserID, run.SourceRef)
	observeStage(StateExtracting, p.now().Sub(start))

	if err != nil {
		if ctx.Err() != nil {
			// Shutting down: the sweeper fails the run if nobody resumes it.
			return run, ctx.Err()
		}
		code, detail := errcode.ExtractionFailed, detailExtraction
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			code, detail = errcode.ServiceUnavailable, detailUnavailable
		case errors.Is(stageCtx.Err(), context.DeadlineExceeded):
			detail = detailExtractTimeout
		}
		p.logger.Warn().Err(err).Str("document_id", run.ID.String()).Str("code", string(code)).Msg("extraction failed")
		return p.advance(ctx, run, StateExtractionFailed, failWith(code, detail))
	}

	conf := ex.Confidence
	if conf < p.cfg.ConfidenceThreshold {
		next, err := p.advance(ctx, run, StateExtractionFailed, func(r *DocumentRun) {
			r.Confidence = &conf
			r.fail(errcode.ExtractionFailed, detailLowConfidence)
		})
		if err != nil {
			return next, err
		}
		p.emit(ctx, notification.EventClarifyImageRequested, next, map[string]string{
			"confidence": strconv.FormatFloat(conf, 'f', 2, 64),
		})
		return next, nil
	}

	text := ex.Text
	return p.advance(ctx, run, StateExtracted, func(r *DocumentRun) {
		r.ExtractedText = &text
		r.Confidence = &conf
	})
}

func (p *Pipeline) parse(ctx context.Context, run *DocumentRun) (*DocumentRun, error) {
	var text string
	if run.ExtractedText != nil {
		text = *run.ExtractedText
	}
	data, err := p.parser.Parse(text)
	if err != nil {
		p.logger.Warn().Err(err).Str("document_id", run.ID.String()).Msg("parse failed")
		return p.advance(ctx, run, StateParseFailed, failWith(errcode.ParseFailed, detailUnreadable))
	}
	if n := len(data.Entities); n < p.cfg.MinEntities {
		next, err := p.advance(ctx, run, StateParseFailed, failWith(errcode.ParseFailed, detailUnreadable))
		if err != nil {
			return next, err
		}
		p.emit(ctx, notification.EventDocumentUnreadable, next, map[string]string{"entities": strconv.Itoa(n)})
		return next, nil
	}
	return p.advance(ctx, run, StateParsed, func(r *DocumentRun) { r.Data = data })
}

// mentionSubjects turns mentions into interaction subjects. IDs are derived
// from the run and the name so repeated checks of a run agree.
func mentionSubjects(runID uuid.UUID, mentions []MedicationMention) []interaction.Subject {
	seen := make(map[string]bool)
	var out []interaction.Subject
	for _, m := range mentions {
		name := interaction.NormalizeName(m.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, interaction.Subject{ID: uuid.NewSHA1(runID, []byte(name)), Name: name})
	}
	return out
}

// checkInteractions runs the safety check and then commits. A partially
// resolved check still commits, flagged incomplete; a check that resolved
// no pair at all fails the run.
func (p *Pipeline) checkInteractions(ctx context.Context, run *DocumentRun) (*DocumentRun, bool, error) {
	stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()
	start := p.now()

	existing, err := p.meds.ActiveSubjects(stageCtx, run.UserID)
	if err != nil {
		if ctx.Err() != nil {
			return run, true, ctx.Err()
		}
		p.logger.Warn().Err(err).Str("document_id", run.ID.String()).Msg("load active medications failed")
		next, aerr := p.advance(ctx, run, StateInteractionCheckFailed, failWith(errcode.InteractionCheck, detailCheckFailed))
		return next, true, aerr
	}

	var mentions []MedicationMention
	if run.Data != nil {
		mentions = run.Data.Medications()
	}
	res := p.safety.CheckAll(stageCtx, mentionSubjects(run.ID, mentions), existing)
	observeStage(StateCheckingInteractions, p.now().Sub(start))

	if ctx.Err() != nil {
		return run, true, ctx.Err()
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		next, aerr := p.advance(ctx, run, StateInteractionCheckFailed, failWith(errcode.InteractionCheck, detailCheckTimeout))
		return next, true, aerr
	}

	summary := summarize(res)
	if res.PairsChecked > 0 && len(res.Unresolved) == res.PairsChecked {
		code := errcode.ServiceUnavailable
		for _, u := range res.Unresolved {
			if u.Code != errcode.ServiceUnavailable {
				code = errcode.InteractionCheck
				break
			}
		}
		next, aerr := p.advance(ctx, run, StateInteractionCheckFailed, func(r *DocumentRun) {
			r.Interactions = summary
			r.fail(code, detailCheckFailed)
		})
		if aerr == nil {
			p.emit(ctx, notification.EventInteractionCheckIncomplete, next, map[string]string{
				"unresolved": strconv.Itoa(len(res.Unresolved)),
			})
		}
		return next, true, aerr
	}

	if res.ConsultProvider {
		severe := 0
		for _, w := range res.Warnings {
			if w.Severity == interaction.SeveritySevere {
				severe++
			}
		}
		p.emit(ctx, notification.EventSevereInteractionDetected, run, map[string]string{"count": strconv.Itoa(severe)})
	}
	if res.Incomplete {
		p.emit(ctx, notification.EventInteractionCheckIncomplete, run, map[string]string{
			"unresolved": strconv.Itoa(len(res.Unresolved)),
		})
	}

	next, err := p.commit(ctx, run, summary)
	return next, true, err
}

// commit seals the source reference and the structured data, writes them
// as one unit with retries, and records committed or commit_failed.
func (p *Pipeline) commit(ctx context.Context, run *DocumentRun, summary *InteractionSummary) (*DocumentRun, error) {
	// The outcome must be recorded even if the caller gives up meanwhile.
	saveCtx := context.WithoutCancel(ctx)
	failed := func(cause error) (*DocumentRun, error) {
		p.logger.Error().Err(cause).Str("document_id", run.ID.String()).Msg("document commit failed")
		return p.advance(saveCtx, run, StateCommitFailed, func(r *DocumentRun) {
			r.Interactions = summary
			r.fail(errcode.StorageError, detailCommit)
		})
	}

	owner := run.UserID.String()
	ref, err := p.enc.EncryptBytes([]byte(run.SourceRef), []byte(owner))
	if err != nil {
		return failed(fmt.Errorf("seal source reference: %w", err))
	}
	data, err := hipaa.SealJSON(p.enc, owner, CommittedRecord{Data: run.Data, Interactions: summary})
	if err != nil {
		return failed(err)
	}
	unit := CommitUnit{
		DocumentID:         run.ID,
		UserID:             run.UserID,
		EncryptedSourceRef: ref,
		EncryptedData:      data,
	}

	// The commit unit runs to success or exhaustion regardless of the caller.
	budget := p.cfg.CommitPolicy.Budget()
	if budget <= 0 {
		budget = defaultCommitBudget
	}
	commitCtx, cancel := context.WithTimeout(saveCtx, budget)
	defer cancel()
	attempts, err := resilience.Retry(commitCtx, p.cfg.CommitPolicy, p.sleep, nil, func(ctx context.Context, attempt int) error {
		cerr := p.commits.Commit(ctx, unit)
		if cerr != nil {
			p.logger.Warn().Err(cerr).Str("document_id", run.ID.String()).Int("attempt", attempt).Msg("commit attempt failed")
		}
		return cerr
	})
	if err != nil {
		return failed(err)
	}

	next, err := p.advance(saveCtx, run, StateCommitted, func(r *DocumentRun) {
		r.Interactions = summary
		r.ErrorCode = nil
		r.ErrorDetail = nil
	})
	if err != nil {
		return next, err
	}
	p.logger.Info().Str("document_id", next.ID.String()).Int("attempts", attempts).Msg("document committed")

	attrs := map[string]string{"entities": "0", "medications": "0"}
	if next.Data != nil {
		attrs["entities"] = strconv.Itoa(len(next.Data.Entities))
		attrs["medications"] = strconv.Itoa(len(next.Data.Medications()))
	}
	p.emit(saveCtx, notification.EventDocumentCommitted, next, attrs)
	return next, nil
}

// Expire force-fails a run whose stage deadline has passed.
func (p *Pipeline) Expire(ctx context.Context, run *DocumentRun) (*DocumentRun, error) {
	to, ok := stageBound[run.State]
	if !ok {
		return run, fmt.Errorf("%w: %s has no stage deadline", ErrInvalidTransition, run.State)
	}
	code, detail := errcode.ExtractionFailed, detailExtractTimeout
	if to == StateInteractionCheckFailed {
		code, detail = errcode.InteractionCheck, detailCheckTimeout
	}
	return p.advance(ctx, run, to, failWith(code, detail))
}
