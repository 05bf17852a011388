package documents

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthvault/healthvault/internal/domain/interaction"
	"github.com/healthvault/healthvault/internal/platform/hipaa"
)

var testNow = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEncryptor() hipaa.FieldEncryptor {
	enc, err := hipaa.NewPHIEncryptor(bytes.Repeat([]byte{0x5a}, 32))
	if err != nil {
		panic(err)
	}
	return enc
}

// memRunRepo is an in-memory RunRepository with optimistic versioning.
type memRunRepo struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*DocumentRun
	// saved records every successful Update in order.
	saved []*DocumentRun
	// conflicts makes the next n updates lose to a concurrent writer.
	conflicts int
}

func newMemRunRepo() *memRunRepo {
	return &memRunRepo{runs: make(map[uuid.UUID]*DocumentRun)}
}

func (m *memRunRepo) put(run *DocumentRun) {
	m.mu.Lock()
	m.runs[run.ID] = run.Clone()
	m.mu.Unlock()
}

func (m *memRunRepo) Create(_ context.Context, run *DocumentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.IdempotencyKey != nil {
		for _, r := range m.runs {
			if r.UserID == run.UserID && r.IdempotencyKey != nil && *r.IdempotencyKey == *run.IdempotencyKey {
				return ErrDuplicateRun
			}
		}
	}
	m.runs[run.ID] = run.Clone()
	return nil
}

func (m *memRunRepo) Get(_ context.Context, userID, id uuid.UUID) (*DocumentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.UserID != userID {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *memRunRepo) Update(_ context.Context, run *DocumentRun, expected int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.runs[run.ID]
	if !ok || cur.UserID != run.UserID {
		return ErrVersionConflict
	}
	if m.conflicts > 0 {
		m.conflicts--
		cur.Version++
		return ErrVersionConflict
	}
	if cur.Version != expected {
		return ErrVersionConflict
	}
	m.runs[run.ID] = run.Clone()
	m.saved = append(m.saved, run.Clone())
	return nil
}

func (m *memRunRepo) FindByIdempotencyKey(_ context.Context, userID uuid.UUID, key string) (*DocumentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.UserID == userID && r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			return r.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRunRepo) FindActiveByHash(_ context.Context, userID uuid.UUID, hash string) (*DocumentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *DocumentRun
	for _, r := range m.runs {
		if r.UserID != userID || r.ContentHash != hash || r.State.Failed() {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *memRunRepo) List(_ context.Context, userID uuid.UUID, limit, offset int) ([]*DocumentRun, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DocumentRun
	for _, r := range m.runs {
		if r.UserID == userID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= total {
		return nil, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memRunRepo) ListStale(_ context.Context, states []State, before time.Time, limit int) ([]*DocumentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DocumentRun
	for _, r := range m.runs {
		for _, s := range states {
			if r.State == s && r.UpdatedAt.Before(before) {
				out = append(out, r.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// states returns the states a run was saved in, in order.
func (m *memRunRepo) states(id uuid.UUID) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []State
	for _, r := range m.saved {
		if r.ID == id {
			out = append(out, r.State)
		}
	}
	return out
}

func (m *memRunRepo) versions(id uuid.UUID) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, r := range m.saved {
		if r.ID == id {
			out = append(out, r.Version)
		}
	}
	return out
}

type memCommitStore struct {
	mu    sync.Mutex
	units map[uuid.UUID]CommitUnit
	// failures makes the next n commits fail.
	failures int
	calls    int
	// onCommit runs at the start of every Commit, outside the lock.
	onCommit func()
}

func newMemCommitStore() *memCommitStore {
	return &memCommitStore{units: make(map[uuid.UUID]CommitUnit)}
}

func (s *memCommitStore) Commit(ctx context.Context, unit CommitUnit) error {
	if s.onCommit != nil {
		s.onCommit()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset by peer")
	}
	s.units[unit.DocumentID] = unit
	return nil
}

func (s *memCommitStore) Load(_ context.Context, userID, documentID uuid.UUID) (*CommitUnit, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[documentID]
	if !ok || u.UserID != userID {
		return nil, time.Time{}, ErrNotCommitted
	}
	return &u, testNow, nil
}

func (s *memCommitStore) setFailures(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *memCommitStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeMeds struct {
	subjects []interaction.Subject
	err      error
}

func (f *fakeMeds) ActiveSubjects(context.Context, uuid.UUID) ([]interaction.Subject, error) {
	return f.subjects, f.err
}

type safetyFunc func(ctx context.Context, added, existing []interaction.Subject) *interaction.CheckResult

func (f safetyFunc) CheckAll(ctx context.Context, added, existing []interaction.Subject) *interaction.CheckResult {
	return f(ctx, added, existing)
}

// countingParser wraps the rule parser and counts calls.
type countingParser struct {
	mu    sync.Mutex
	calls int
}

func (p *countingParser) Parse(text string) (*MedicalData, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return NewRuleParser().Parse(text)
}

func (p *countingParser) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
