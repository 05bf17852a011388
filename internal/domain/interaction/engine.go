// Package interaction checks medications for pairwise interactions. Pair
// verdicts come from a TTL cache or, on a miss, from the external lookup
// service through the resilience client.
package interaction

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/healthvault/healthvault/internal/platform/errcode"
	"github.com/healthvault/healthvault/internal/platform/resilience"
)

// DependencyName is the breaker key for the lookup service.
const DependencyName = "interaction-lookup"

const defaultFanOut = 8

// Engine is the medication safety engine.
type Engine struct {
	cache  *Cache
	lookup Lookup
	client *resilience.Client
	fanOut int
	logger zerolog.Logger
	group  singleflight.Group
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithFanOut bounds the number of pairs resolved concurrently.
func WithFanOut(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.fanOut = n
		}
	}
}

func NewEngine(cache *Cache, lookup Lookup, client *resilience.Client, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		cache:  cache,
		lookup: lookup,
		client: client,
		fanOut: defaultFanOut,
		logger: logger.With().Str("component", "safety_engine").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type pair struct {
	a, b Subject
	key  PairKey
}

func newPair(x, y Subject) (pair, bool) {
	key := NewPairKey(x.Name, y.Name)
	if !key.Valid() {
		return pair{}, false
	}
	// Order subjects the same way as the key.
	if NormalizeName(x.Name) != key.A {
		x, y = y, x
	}
	return pair{a: x, b: y, key: key}, true
}

// Check evaluates added against every medication in existing. Pairs are
// independent: a failed lookup marks the result incomplete but never stops
// the other pairs.
func (e *Engine) Check(ctx context.Context, added Subject, existing []Subject) *CheckResult {
	return e.CheckAll(ctx, []Subject{added}, existing)
}

// CheckAll evaluates every added medication against existing and against
// each other. Duplicate pairs are checked once.
func (e *Engine) CheckAll(ctx context.Context, added, existing []Subject) *CheckResult {
	seen := make(map[PairKey]bool)
	var pairs []pair
	push := func(x, y Subject) {
		if x.ID != uuid.Nil && x.ID == y.ID {
			return
		}
		p, ok := newPair(x, y)
		if !ok || seen[p.key] {
			return
		}
		seen[p.key] = true
		pairs = append(pairs, p)
	}
	for i, a := range added {
		for _, ex := range existing {
			push(a, ex)
		}
		for _, other := range added[i+1:] {
			push(a, other)
		}
	}
	return e.run(ctx, pairs)
}

type pairOutcome struct {
	verdict Verdict
	err     error
}

func (e *Engine) run(ctx context.Context, pairs []pair) *CheckResult {
	outcomes := make([]pairOutcome, len(pairs))

	var g errgroup.Group
	g.SetLimit(e.fanOut)
	for i := range pairs {
		i := i
		g.Go(func() error {
			v, err := e.resolve(ctx, pairs[i].key)
			outcomes[i] = pairOutcome{verdict: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	res := &CheckResult{Warnings: []Warning{}, PairsChecked: len(pairs)}
	for i, p := range pairs {
		o := outcomes[i]
		if o.err != nil {
			code := errcode.InteractionCheck
			if errors.Is(o.err, resilience.ErrCircuitOpen) {
				code = errcode.ServiceUnavailable
			}
			res.Unresolved = append(res.Unresolved, UnresolvedPair{
				MedicationA: p.a,
				MedicationB: p.b,
				Code:        code,
				Reason:      o.err.Error(),
			})
			continue
		}
		if !o.verdict.Found {
			continue
		}
		res.Warnings = append(res.Warnings, Warning{
			MedicationA:    p.a,
			MedicationB:    p.b,
			Severity:       o.verdict.Severity,
			Description:    o.verdict.Description,
			Recommendation: o.verdict.Recommendation,
		})
	}

	sortWarnings(res.Warnings)
	res.Incomplete = len(res.Unresolved) > 0
	res.ConsultProvider = RequiresProviderConsult(res.Warnings)
	if res.ConsultProvider {
		res.Recommendation = ConsultProviderMessage
	}
	if res.Incomplete {
		e.logger.Warn().
			Int("pairs", len(pairs)).
			Int("unresolved", len(res.Unresolved)).
			Msg("interaction check incomplete")
	}
	return res
}

// resolve returns the verdict for key from cache or lookup. Concurrent
// misses for the same key share one lookup. The shared lookup is detached
// from any single caller and bounded by the retry policy's budget; each
// caller stops waiting when its own ctx is done.
func (e *Engine) resolve(ctx context.Context, key PairKey) (Verdict, error) {
	if v, ok := e.cache.Get(ctx, key); ok {
		return v, nil
	}
	ch := e.group.DoChan(key.String(), func() (interface{}, error) {
		lctx := context.WithoutCancel(ctx)
		if budget := e.client.Policy().Budget(); budget > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, budget)
			defer cancel()
		}
		v, err := resilience.Do(lctx, e.client, DependencyName, func(ctx context.Context) (Verdict, error) {
			return e.lookup.Lookup(ctx, key)
		})
		if err != nil {
			return Verdict{}, err
		}
		if perr := e.cache.Put(lctx, key, v); perr != nil {
			e.logger.Warn().Err(perr).Str("pair", key.String()).Msg("interaction cache write failed")
		}
		return v, nil
	})
	select {
	case <-ctx.Done():
		return Verdict{}, &resilience.CallError{Dependency: DependencyName, Kind: resilience.KindTimeout, Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return Verdict{}, r.Err
		}
		return r.Val.(Verdict), nil
	}
}

func sortWarnings(ws []Warning) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].Severity != ws[j].Severity {
			return ws[i].Severity > ws[j].Severity
		}
		ki := NewPairKey(ws[i].MedicationA.Name, ws[i].MedicationB.Name)
		kj := NewPairKey(ws[j].MedicationA.Name, ws[j].MedicationB.Name)
		return ki.String() < kj.String()
	})
}
