// Package selector picks an ordered subset of stock candidates whose total
// duration covers a target, preferring combinations the ledger has not seen.
package selector

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/maauso/stockreel-api/internal/ledger"
	"github.com/maauso/stockreel-api/internal/pexels"
)

// Result is the outcome of a selection, in timeline order.
type Result struct {
	AssetIDs  []string
	URLs      []string
	Durations []float64
	// Fresh is true when the combination was not in the ledger at decision
	// time.
	Fresh bool
}

// Len returns the number of selected assets.
func (r Result) Len() int { return len(r.AssetIDs) }

// Empty reports whether nothing was selected.
func (r Result) Empty() bool { return len(r.AssetIDs) == 0 }

// Total returns the summed duration in seconds.
func (r Result) Total() float64 { return lo.Sum(r.Durations) }

func (r *Result) add(c pexels.Candidate) {
	r.AssetIDs = append(r.AssetIDs, c.ID)
	r.URLs = append(r.URLs, c.URL)
	r.Durations = append(r.Durations, c.Duration)
}

// Selector chooses candidates against a ledger. It is safe for concurrent use.
type Selector struct {
	ledger           ledger.Ledger
	logger           *slog.Logger
	registerFallback bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option configures a Selector.
type Option func(*Selector)

// WithRand sets the random source used to shuffle candidates.
func WithRand(r *rand.Rand) Option {
	return func(s *Selector) {
		if r != nil {
			s.rng = r
		}
	}
}

// WithSeed makes shuffling deterministic.
func WithSeed(seed int64) Option {
	return func(s *Selector) {
		s.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRegisterFallback controls whether a best-effort fallback combination is
// registered in the ledger. Defaults to true.
func WithRegisterFallback(register bool) Option {
	return func(s *Selector) {
		s.registerFallback = register
	}
}

// New creates a Selector. A nil ledger is replaced by an in-memory one.
func New(l ledger.Ledger, opts ...Option) *Selector {
	if l == nil {
		l = ledger.NewMemoryLedger()
	}
	now := uint64(time.Now().UnixNano())
	s := &Selector{
		ledger:           l,
		logger:           slog.Default(),
		registerFallback: true,
		rng:              rand.New(rand.NewPCG(now, now>>1|1)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns candidates whose summed duration reaches target using at most
// maxAssets clips.
//
// Candidates are shuffled, then accumulated greedily: a candidate is kept only
// if the resulting id set is not in the ledger. As soon as the total reaches
// target the combination is registered and returned. If the pool runs out
// first, the longest clips are taken regardless of freshness. A target of zero
// or less still yields one asset. An empty pool, or maxAssets below one,
// yields an empty Result.
//
// When the ledger implements ledger.Locker the whole read-decide-write
// sequence runs under its lock. Ledger failures are logged and never fail the
// selection.
func (s *Selector) Select(ctx context.Context, candidates []pexels.Candidate, target float64, maxAssets int) Result {
	if maxAssets < 1 || len(candidates) == 0 {
		return Result{}
	}

	if lk, ok := s.ledger.(ledger.Locker); ok {
		unlock, err := lk.Lock(ctx)
		if err != nil {
			s.logger.Warn("ledger lock unavailable, selecting unlocked", slog.String("error", err.Error()))
		} else {
			defer unlock()
		}
	}

	pool := s.shuffled(candidates)

	if res, ok := s.greedyFresh(ctx, pool, target, maxAssets); ok {
		s.register(ctx, res)
		s.logger.Info("selected fresh combination",
			slog.Int("assets", res.Len()),
			slog.Float64("total", res.Total()),
			slog.Float64("target", target),
		)
		return res
	}

	res := s.longestFirst(ctx, pool, target, maxAssets)
	if res.Total() < target {
		s.logger.Warn("candidate pool cannot reach target duration",
			slog.Float64("total", res.Total()),
			slog.Float64("target", target),
			slog.Int("max_assets", maxAssets),
		)
	}
	s.logger.Info("selected fallback combination",
		slog.Int("assets", res.Len()),
		slog.Float64("total", res.Total()),
		slog.Bool("fresh", res.Fresh),
	)
	if s.registerFallback {
		s.register(ctx, res)
	}
	return res
}

func (s *Selector) shuffled(candidates []pexels.Candidate) []pexels.Candidate {
	pool := make([]pexels.Candidate, len(candidates))
	copy(pool, candidates)

	s.rngMu.Lock()
	s.rng.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	s.rngMu.Unlock()
	return pool
}

// greedyFresh accumulates fresh candidates until target is reached. Reports
// false when the pool is exhausted or maxAssets is hit first.
func (s *Selector) greedyFresh(ctx context.Context, pool []pexels.Candidate, target float64, maxAssets int) (Result, bool) {
	var res Result
	for _, c := range pool {
		if res.Len() >= maxAssets {
			return Result{}, false
		}
		if ctx.Err() != nil {
			return Result{}, false
		}
		tentative := append(append([]string(nil), res.AssetIDs...), c.ID)
		if s.used(ctx, tentative) {
			continue
		}
		res.add(c)
		if res.Total() >= target {
			res.Fresh = true
			return res, true
		}
	}
	return Result{}, false
}

// longestFirst takes clips in descending duration order, ignoring the ledger.
// Ties keep the shuffled order so a fixed seed gives a fixed result.
func (s *Selector) longestFirst(ctx context.Context, pool []pexels.Candidate, target float64, maxAssets int) Result {
	sorted := make([]pexels.Candidate, len(pool))
	copy(sorted, pool)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Duration > sorted[j].Duration
	})

	var res Result
	for _, c := range sorted {
		if res.Len() >= maxAssets {
			break
		}
		res.add(c)
		if res.Total() >= target {
			break
		}
	}
	res.Fresh = !s.used(ctx, res.AssetIDs)
	return res
}

func (s *Selector) used(ctx context.Context, ids []string) bool {
	ok, err := s.ledger.Contains(ctx, ids)
	if err != nil {
		s.logger.Warn("ledger lookup failed, treating combination as unused",
			slog.String("key", ledger.Key(ids)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

func (s *Selector) register(ctx context.Context, res Result) {
	if err := s.ledger.Register(ctx, res.AssetIDs); err != nil {
		s.logger.Warn("ledger registration failed",
			slog.String("key", ledger.Key(res.AssetIDs)),
			slog.String("error", err.Error()),
		)
	}
}
