package documents

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/healthvault/healthvault/internal/platform/blobstore"
	"github.com/healthvault/healthvault/internal/platform/errcode"
	"github.com/healthvault/healthvault/internal/platform/hipaa"
)

// sweepBatch bounds how many stale runs one sweep expires.
const sweepBatch = 100

var ErrShuttingDown = errcode.New(errcode.ServiceUnavailable, "document processing is shutting down")

type CoordinatorConfig struct {
	// Workers caps pipeline runs executing at once across all users.
	Workers int
	// StageTimeout is the age after which the sweeper expires a run stuck
	// in extracting or checking_interactions.
	StageTimeout  time.Duration
	SweepInterval time.Duration
}

// Coordinator admits uploads and schedules pipeline runs. It holds at most
// one in-flight transition sequence per document id in this process; a
// second trigger for a held id fails with ErrRunInFlight.
type Coordinator struct {
	runs      RunRepository
	blobs     blobstore.BlobStore
	enc       hipaa.FieldEncryptor
	validator *Validator
	pipeline  *Pipeline
	cfg       CoordinatorConfig
	logger    zerolog.Logger
	now       func() time.Time

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(runs RunRepository, blobs blobstore.BlobStore, enc hipaa.FieldEncryptor, validator *Validator, pipeline *Pipeline, cfg CoordinatorConfig, logger zerolog.Logger) *Coordinator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = pipeline.cfg.StageTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		runs:      runs,
		blobs:     blobs,
		enc:       enc,
		validator: validator,
		pipeline:  pipeline,
		cfg:       cfg,
		logger:    logger.With().Str("component", "document-coordinator").Logger(),
		now:       pipeline.now,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		inflight:  make(map[uuid.UUID]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Coordinator) acquire(id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShuttingDown
	}
	if _, busy := c.inflight[id]; busy {
		return ErrRunInFlight
	}
	c.inflight[id] = struct{}{}
	c.wg.Add(1)
	runsInFlight.Inc()
	return nil
}

func (c *Coordinator) release(id uuid.UUID) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
	runsInFlight.Dec()
	c.wg.Done()
}

// InFlight reports whether id is held by this coordinator.
func (c *Coordinator) InFlight(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// Submit admits an upload. A repeated idempotency key, or content that
// already has a run that has not failed, returns the existing run with
// created=false. Validation happens synchronously: a rejected upload
// returns the rejected run together with its DOC_001/DOC_002 error.
// Otherwise the source is encrypted and stored, and processing continues
// in the background.
func (c *Coordinator) Submit(ctx context.Context, userID uuid.UUID, up Upload) (run *DocumentRun, created bool, err error) {
	key := strings.TrimSpace(up.IdempotencyKey)
	if key != "" {
		existing, ferr := c.runs.FindByIdempotencyKey(ctx, userID, key)
		if ferr == nil {
			return existing, false, nil
		}
		if !errors.Is(ferr, ErrNotFound) {
			return nil, false, errcode.Wrap(errcode.StorageError, "look up idempotency key", ferr)
		}
	}

	sum := sha256.Sum256(up.Body)
	hash := hex.EncodeToString(sum[:])
	existing, ferr := c.runs.FindActiveByHash(ctx, userID, hash)
	if ferr == nil {
		return existing, false, nil
	}
	if !errors.Is(ferr, ErrNotFound) {
		return nil, false, errcode.Wrap(errcode.StorageError, "look up content hash", ferr)
	}

	fileName := strings.TrimSpace(up.FileName)
	if fileName == "" {
		fileName = "document"
	}
	now := c.now().UTC()
	run = &DocumentRun{
		ID:          uuid.New(),
		UserID:      userID,
		State:       StateUploaded,
		FileName:    fileName,
		ContentType: up.ContentType,
		SizeBytes:   int64(len(up.Body)),
		ContentHash: hash,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if key != "" {
		run.IdempotencyKey = &key
	}

	id := run.ID
	if err := c.acquire(id); err != nil {
		return nil, false, err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			c.release(id)
		}
	}()

	if err := c.runs.Create(ctx, run); err != nil {
		if errors.Is(err, ErrDuplicateRun) && key != "" {
			if existing, ferr := c.runs.FindByIdempotencyKey(ctx, userID, key); ferr == nil {
				return existing, false, nil
			}
		}
		return nil, false, errcode.Wrap(errcode.StorageError, "create document run", err)
	}

	run, err = c.pipeline.advance(ctx, run, StateValidating, nil)
	if err != nil {
		return run, true, err
	}

	if verr := c.validator.Validate(up.ContentType, run.SizeBytes); verr != nil {
		var coded *errcode.Error
		code, detail := errcode.InvalidFormat, verr.Error()
		if errors.As(verr, &coded) {
			code, detail = coded.Code, coded.Message
		}
		run, err = c.pipeline.advance(ctx, run, StateRejected, failWith(code, detail))
		if err != nil {
			return run, true, err
		}
		return run, true, verr
	}

	ref, serr := c.storeSource(ctx, run, up.Body)
	if serr != nil {
		c.logger.Error().Err(serr).Str("document_id", run.ID.String()).Msg("store document source failed")
		run, err = c.pipeline.advance(ctx, run, StateRejected, failWith(errcode.StorageError, "The document could not be stored. Please try again."))
		if err != nil {
			return run, true, err
		}
		return run, true, errcode.Wrap(errcode.StorageError, "store document", serr)
	}

	run, err = c.pipeline.advance(ctx, run, StateExtracting, func(r *DocumentRun) { r.SourceRef = ref })
	if err != nil {
		return run, true, err
	}

	handedOff = true
	c.spawn(run.UserID, run.ID)
	return run, true, nil
}

func (c *Coordinator) storeSource(ctx context.Context, run *DocumentRun, body []byte) (string, error) {
	owner := run.UserID.String()
	sealed, err := c.enc.EncryptBytes(body, []byte(owner))
	if err != nil {
		return "", err
	}
	meta, err := c.blobs.Upload(ctx, blobstore.BlobMetadata{
		OwnerID:     owner,
		FileName:    run.FileName,
		ContentType: run.ContentType,
		Category:    "document-source",
		Tags:        map[string]string{"document_id": run.ID.String()},
	}, bytes.NewReader(sealed))
	if err != nil {
		return "", err
	}
	return meta.ID, nil
}

// spawn processes a held run in the background and releases it when done.
func (c *Coordinator) spawn(userID, id uuid.UUID) {
	go func() {
		defer c.release(id)
		if err := c.sem.Acquire(c.ctx, 1); err != nil {
			c.logger.Warn().Str("document_id", id.String()).Msg("document run not started: shutting down")
			return
		}
		defer c.sem.Release(1)

		run, err := c.pipeline.Process(c.ctx, userID, id)
		if err != nil {
			c.logger.Error().Err(err).Str("document_id", id.String()).Msg("document run stopped with an error")
			return
		}
		c.logger.Info().
			Str("document_id", id.String()).
			Str("state", string(run.State)).
			Msg("document run finished")
	}()
}

// RetryCommit re-runs the commit of a run in commit_failed in the
// background.
func (c *Coordinator) RetryCommit(ctx context.Context, userID, id uuid.UUID) (*DocumentRun, error) {
	run, err := c.runs.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if run.State != StateCommitFailed {
		return nil, ErrNotRetryable
	}
	if err := c.acquire(id); err != nil {
		return nil, err
	}
	// Re-read under the hold; another process may have retried meanwhile.
	run, err = c.runs.Get(ctx, userID, id)
	if err != nil || run.State != StateCommitFailed {
		c.release(id)
		if err != nil {
			return nil, err
		}
		return nil, ErrNotRetryable
	}
	c.spawn(userID, id)
	return run, nil
}

// Sweep expires runs that have sat in extracting or checking_interactions
// longer than the stage timeout. Runs held by this coordinator are left
// alone; their own stage deadline applies. It returns how many runs were
// expired.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	cutoff := c.now().UTC().Add(-c.cfg.StageTimeout)
	stale, err := c.runs.ListStale(ctx, []State{StateExtracting, StateCheckingInteractions}, cutoff, sweepBatch)
	if err != nil {
		return 0, errcode.Wrap(errcode.StorageError, "list stale document runs", err)
	}
	expired := 0
	for _, run := range stale {
		if err := c.acquire(run.ID); err != nil {
			continue
		}
		next, err := c.pipeline.Expire(ctx, run)
		c.release(run.ID)
		if err != nil {
			c.logger.Warn().Err(err).Str("document_id", run.ID.String()).Msg("could not expire stale document run")
			continue
		}
		c.logger.Warn().
			Str("document_id", run.ID.String()).
			Str("from", string(run.State)).
			Str("to", string(next.State)).
			Msg("stale document run expired")
		expired++
	}
	return expired, nil
}

// StartSweeper runs Sweep every SweepInterval. It blocks until ctx is
// cancelled, so call it in a goroutine.
func (c *Coordinator) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				c.logger.Error().Err(err).Msg("document sweep failed")
			}
		}
	}
}

// Shutdown stops admitting work and waits for held runs. If ctx ends first
// the background runs are cancelled and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		return ctx.Err()
	}
}
