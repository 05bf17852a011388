package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/healthvault/healthvault/internal/platform/blobstore"
	"github.com/healthvault/healthvault/internal/platform/errcode"
)

type coordFixture struct {
	*pipelineFixture
	coord *Coordinator
	blobs blobstore.BlobStore
}

func newCoordFixture(blobs blobstore.BlobStore, workers int) *coordFixture {
	f := newPipelineFixture(testPipelineConfig())
	if blobs == nil {
		blobs = blobstore.NewInMemoryBlobStore()
	}
	validator := NewValidator(64, []string{"image/jpeg", "image/png", "application/pdf"})
	coord := NewCoordinator(f.runs, blobs, f.enc, validator, f.p, CoordinatorConfig{
		Workers:      workers,
		StageTimeout: 2 * time.Minute,
	}, zerolog.Nop())
	return &coordFixture{pipelineFixture: f, coord: coord, blobs: blobs}
}

// drain waits for every background run to finish.
func (f *coordFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func jpeg(body string) Upload {
	return Upload{FileName: "rx.jpg", ContentType: "image/jpeg", Body: []byte(body)}
}

type failingBlobs struct {
	*blobstore.InMemoryBlobStore
}

func (failingBlobs) Upload(context.Context, blobstore.BlobMetadata, io.Reader) (*blobstore.BlobMetadata, error) {
	return nil, errors.New("bucket unavailable")
}

func TestCoordinator_SubmitProcessesInBackground(t *testing.T) {
	f := newCoordFixture(nil, 2)
	body := "JPEG-PRESCRIPTION"

	run, created, err := f.coord.Submit(context.Background(), f.user, jpeg(body))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if !created || run.State != StateExtracting || run.SourceRef == "" {
		t.Fatalf("unexpected submit result: created=%v %+v", created, run)
	}
	f.drain(t)

	stored, err := f.runs.Get(context.Background(), f.user, run.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if stored.State != StateCommitted {
		t.Fatalf("expected committed, got %s", stored.State)
	}
	want := []State{StateValidating, StateExtracting, StateExtracted, StateParsing, StateParsed, StateCheckingInteractions, StateCommitted}
	if got := f.runs.states(run.ID); !statesEqual(got, want) {
		t.Errorf("transitions = %v, want %v", got, want)
	}

	sealed, meta, err := blobstore.ReadAll(context.Background(), f.blobs, f.user.String(), run.SourceRef)
	if err != nil {
		t.Fatalf("source not stored: %v", err)
	}
	if bytes.Contains(sealed, []byte(body)) {
		t.Error("source stored in plaintext")
	}
	if meta.Category != "document-source" || meta.Tags["document_id"] != run.ID.String() {
		t.Errorf("unexpected blob metadata %+v", meta)
	}
	plain, err := f.enc.DecryptBytes(sealed, []byte(f.user.String()))
	if err != nil || string(plain) != body {
		t.Errorf("source does not open for its owner: %v", err)
	}
}

func TestCoordinator_IdempotencyKey(t *testing.T) {
	f := newCoordFixture(nil, 1)
	up := jpeg("first")
	up.IdempotencyKey = "upload-1"

	first, created, err := f.coord.Submit(context.Background(), f.user, up)
	if err != nil || !created {
		t.Fatalf("first Submit() = %v, %v", created, err)
	}
	up.Body = []byte("different bytes")
	second, created, err := f.coord.Submit(context.Background(), f.user, up)
	if err != nil {
		t.Fatalf("second Submit() error: %v", err)
	}
	if created || second.ID != first.ID {
		t.Errorf("expected the existing run %s, got %s (created=%v)", first.ID, second.ID, created)
	}

	// The key is scoped to its user.
	other, created, err := f.coord.Submit(context.Background(), uuid.New(), up)
	if err != nil || !created || other.ID == first.ID {
		t.Errorf("another user's upload must create a run: %v %v", created, err)
	}
	f.drain(t)
}

func TestCoordinator_DuplicateContent(t *testing.T) {
	f := newCoordFixture(nil, 1)

	rejected, _, err := f.coord.Submit(context.Background(), f.user, Upload{FileName: "a.txt", ContentType: "text/plain", Body: []byte("same")})
	if errcode.CodeOf(err) != errcode.InvalidFormat {
		t.Fatalf("expected DOC_001, got %v", err)
	}

	// A failed run does not block the same content.
	first, created, err := f.coord.Submit(context.Background(), f.user, jpeg("same"))
	if err != nil || !created || first.ID == rejected.ID {
		t.Fatalf("expected a new run after rejection: created=%v err=%v", created, err)
	}
	again, created, err := f.coord.Submit(context.Background(), f.user, jpeg("same"))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if created || again.ID != first.ID {
		t.Errorf("expected the active run %s, got %s", first.ID, again.ID)
	}
	f.drain(t)
}

func TestCoordinator_RejectsInvalidUploads(t *testing.T) {
	tests := []struct {
		name string
		up   Upload
		want errcode.Code
	}{
		{"too large", jpeg(string(bytes.Repeat([]byte("x"), 65))), errcode.SizeExceeded},
		{"unsupported type", Upload{FileName: "notes.txt", ContentType: "text/plain", Body: []byte("hello")}, errcode.InvalidFormat},
		{"empty", jpeg(""), errcode.InvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCoordFixture(nil, 1)

			run, created, err := f.coord.Submit(context.Background(), f.user, tt.up)
			if errcode.CodeOf(err) != tt.want {
				t.Fatalf("expected %s, got %v", tt.want, err)
			}
			if !created || run == nil || run.State != StateRejected || codeOf(run) != tt.want {
				t.Fatalf("expected a rejected run with %s, got %+v", tt.want, run)
			}
			if _, total, _ := f.blobs.ListByOwner(context.Background(), f.user.String(), "", 10, 0); total != 0 {
				t.Errorf("rejected upload stored %d blobs", total)
			}
			if f.coord.InFlight(run.ID) {
				t.Error("rejected run still held")
			}
		})
	}
}

func TestCoordinator_StorageFailureRejects(t *testing.T) {
	f := newCoordFixture(failingBlobs{blobstore.NewInMemoryBlobStore()}, 1)

	run, _, err := f.coord.Submit(context.Background(), f.user, jpeg("scan"))
	if errcode.CodeOf(err) != errcode.StorageError {
		t.Fatalf("expected SYS_002, got %v", err)
	}
	if run.State != StateRejected || codeOf(run) != errcode.StorageError {
		t.Errorf("expected rejected SYS_002, got %s %s", run.State, codeOf(run))
	}
}

func TestCoordinator_RetryCommit(t *testing.T) {
	f := newCoordFixture(nil, 1)
	run := f.seedRun(StateCommitFailed)
	run.Data = &MedicalData{Entities: []Entity{MedicationEntity(MedicationMention{Name: "Aspirin"})}}
	run.Interactions = &InteractionSummary{}
	f.runs.put(run)

	if err := f.coord.acquire(run.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := f.coord.RetryCommit(context.Background(), f.user, run.ID); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("expected ErrRunInFlight while held, got %v", err)
	}
	f.coord.release(run.ID)

	if _, err := f.coord.RetryCommit(context.Background(), f.user, run.ID); err != nil {
		t.Fatalf("RetryCommit() error: %v", err)
	}
	f.drain(t)

	stored, _ := f.runs.Get(context.Background(), f.user, run.ID)
	if stored.State != StateCommitted {
		t.Fatalf("expected committed, got %s", stored.State)
	}
	if _, err := f.coord.RetryCommit(context.Background(), f.user, run.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable for a committed run, got %v", err)
	}
	if _, err := f.coord.RetryCommit(context.Background(), uuid.New(), run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another user, got %v", err)
	}
}

func TestCoordinator_SweepExpiresStaleRuns(t *testing.T) {
	f := newCoordFixture(nil, 1)
	extracting := f.seedRun(StateExtracting)
	checking := f.seedRun(StateCheckingInteractions)
	held := f.seedRun(StateExtracting)
	parsed := f.seedRun(StateParsed)
	f.clock.advance(10 * time.Minute)
	fresh := f.seedRun(StateExtracting)

	if err := f.coord.acquire(held.ID); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer f.coord.release(held.ID)

	n, err := f.coord.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 expired runs, got %d", n)
	}

	want := map[uuid.UUID]State{
		extracting.ID: StateExtractionFailed,
		checking.ID:   StateInteractionCheckFailed,
		held.ID:       StateExtracting,
		parsed.ID:     StateParsed,
		fresh.ID:      StateExtracting,
	}
	for id, state := range want {
		got, _ := f.runs.Get(context.Background(), f.user, id)
		if got.State != state {
			t.Errorf("run %s: got %s, want %s", id, got.State, state)
		}
	}
}

func TestCoordinator_WorkersBoundConcurrency(t *testing.T) {
	f := newCoordFixture(nil, 1)
	var active, peak int32
	gate := make(chan struct{})
	f.extract = func(ctx context.Context, _ uuid.UUID, _ string) (Extraction, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&active, -1)
		select {
		case <-gate:
		case <-ctx.Done():
			return Extraction{}, ctx.Err()
		}
		return Extraction{Text: samplePrescription, Confidence: 0.9}, nil
	}

	a, _, err := f.coord.Submit(context.Background(), f.user, jpeg("scan-a"))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	b, _, err := f.coord.Submit(context.Background(), f.user, jpeg("scan-b"))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	f.drain(t)

	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Errorf("expected at most one run at a time, peak was %d", p)
	}
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		got, _ := f.runs.Get(context.Background(), f.user, id)
		if got.State != StateCommitted {
			t.Errorf("run %s: expected committed, got %s", id, got.State)
		}
	}
}

func TestCoordinator_ShutdownRejectsNewWork(t *testing.T) {
	f := newCoordFixture(nil, 1)
	f.drain(t)

	_, _, err := f.coord.Submit(context.Background(), f.user, jpeg("late"))
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
	if errcode.CodeOf(err) != errcode.ServiceUnavailable {
		t.Errorf("expected SYS_001, got %s", errcode.CodeOf(err))
	}
}

func TestCoordinator_ShutdownDeadlineLeavesRunInStage(t *testing.T) {
	f := newCoordFixture(nil, 1)
	f.extract = func(ctx context.Context, _ uuid.UUID, _ string) (Extraction, error) {
		<-ctx.Done()
		return Extraction{}, ctx.Err()
	}
	run, _, err := f.coord.Submit(context.Background(), f.user, jpeg("slow"))
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.coord.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	f.coord.wg.Wait()

	stored, _ := f.runs.Get(context.Background(), f.user, run.ID)
	if stored.State != StateExtracting {
		t.Errorf("expected run to stay in extracting for the sweeper, got %s", stored.State)
	}
}
