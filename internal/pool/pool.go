// Package pool implements the pool manager and failover driver:
// candidate selection by model, strategy ordering
// (least_busy/round_robin/random), and the failover loop that drives
// generation across Workers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/browsergate/browsergate/internal/worker"
	"github.com/browsergate/browsergate/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultMaxRetries = 2

var tracer = otel.Tracer("browsergate/internal/pool")

// Options configures a Pool.
type Options struct {
	Strategy        models.Strategy
	FailoverEnabled bool
	MaxRetries      int // defaults to 2 if <= 0
}

// Pool groups Workers and drives candidate selection + failover across
// them. One Pool instance serves the whole process; it does not care
// which browser-profile instance a Worker belongs to — instance grouping
// is a config/wiring concern, not a runtime one.
type Pool struct {
	mu      sync.RWMutex
	workers []*worker.Worker
	opts    Options

	rrCounter uint64

	readyMu sync.RWMutex
	ready   bool
	initErr error
}

// New builds a Pool over workers with the given options. MaxRetries <= 0
// is normalized to the default of 2.
func New(workers []*worker.Worker, opts Options) *Pool {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	return &Pool{workers: workers, opts: opts}
}

// SetReady marks the pool initialized (or failed, with err). The HTTP
// facade's safe-mode middleware gates every /v1/* route on this.
func (p *Pool) SetReady(err error) {
	p.readyMu.Lock()
	defer p.readyMu.Unlock()
	p.ready = err == nil
	p.initErr = err
}

// Ready reports whether pool init succeeded.
func (p *Pool) Ready() bool {
	p.readyMu.RLock()
	defer p.readyMu.RUnlock()
	return p.ready
}

// InitError returns the pool init failure, if any.
func (p *Pool) InitError() error {
	p.readyMu.RLock()
	defer p.readyMu.RUnlock()
	return p.initErr
}

// candidates filters workers by model support, then applies the
// image-capable preference rule: if the request carries
// images and >= 2 candidates remain, prefer candidates whose image
// policy is optional or required; fall back to the full set (logged at
// warn) if none qualify.
func (p *Pool) candidates(modelKey string, hasImages bool) ([]*worker.Worker, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var supporting []*worker.Worker
	for _, w := range p.workers {
		if w.Supports(modelKey) {
			supporting = append(supporting, w)
		}
	}
	if len(supporting) == 0 {
		return nil, fmt.Errorf("no worker supports model %s", modelKey)
	}
	if !hasImages || len(supporting) < 2 {
		return supporting, nil
	}

	var imageCapable []*worker.Worker
	for _, w := range supporting {
		policy := w.GetImagePolicy(modelKey)
		if policy == models.ImageOptional || policy == models.ImageRequired {
			imageCapable = append(imageCapable, w)
		}
	}
	if len(imageCapable) == 0 {
		log.Warn().Str("model", modelKey).Msg("pool: no image-capable worker among candidates, using full set")
		return supporting, nil
	}
	return imageCapable, nil
}

// orderCandidates applies the configured strategy.
func (p *Pool) orderCandidates(candidates []*worker.Worker) []*worker.Worker {
	ordered := make([]*worker.Worker, len(candidates))
	copy(ordered, candidates)

	switch p.opts.Strategy {
	case models.StrategyRoundRobin:
		n := len(ordered)
		idx := int(atomic.AddUint64(&p.rrCounter, 1))
		rotated := make([]*worker.Worker, n)
		for i := 0; i < n; i++ {
			rotated[i] = ordered[(idx+i)%n]
		}
		return rotated
	case models.StrategyRandom:
		rand.Shuffle(len(ordered), func(i, j int) { ordered[i], ordered[j] = ordered[j], ordered[i] })
		return ordered
	default: // least_busy
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].BusyCount() < ordered[j].BusyCount()
		})
		return ordered
	}
}

var errWorkerHeld = errors.New("worker held")

// acquireWorker reserves w for one attempt, retrying with a bounded
// exponential backoff when another dispatch already holds it. Returns
// false with w still unreserved when the backoff budget (or ctx) runs
// out — the caller then moves on to the next candidate rather than
// running a second adapter call on the same page.
func acquireWorker(ctx context.Context, w *worker.Worker) bool {
	if w.TryAcquire() {
		return true
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	err := backoff.Retry(func() error {
		if w.TryAcquire() {
			return nil
		}
		return errWorkerHeld
	}, b)
	return err == nil
}

// Dispatch runs the failover loop: candidates are tried in
// strategy order; a retryable error advances to the next candidate (while
// the retry budget holds); a non-retryable error or success stops
// immediately. The retry budget is min(MaxRetries, len(candidates)-1).
// Each attempt holds the worker's in-flight slot, so at most one adapter
// call ever runs per page; a candidate that stays held by another task
// is skipped and does not consume the budget.
func (p *Pool) Dispatch(ctx context.Context, prompt string, imageRefs []string, modelKey string, meta map[string]interface{}) models.GenerateResult {
	cands, err := p.candidates(modelKey, len(imageRefs) > 0)
	if err != nil {
		return models.GenerateResult{Err: &models.ErrorRecord{Error: err.Error(), Code: models.ErrInternal, Retryable: false}}
	}
	ordered := p.orderCandidates(cands)

	budget := p.opts.MaxRetries
	if budget > len(ordered)-1 {
		budget = len(ordered) - 1
	}
	if !p.opts.FailoverEnabled {
		ordered = ordered[:1]
		budget = 0
	}

	attempts := 0
	var last models.GenerateResult
	for _, w := range ordered {
		if attempts > budget {
			break
		}

		if !acquireWorker(ctx, w) {
			log.Warn().Str("worker", w.Name).Msg("pool: worker held by another task, skipping candidate")
			continue
		}

		log.Info().Str("worker", w.Name).Int32("busy", w.BusyCount()).Int("attempt", attempts).Msg("pool: dispatch")

		spanCtx, span := tracer.Start(ctx, "pool.dispatch.attempt")
		span.SetAttributes(
			attribute.String("worker.name", w.Name),
			attribute.Int("attempt", attempts),
		)

		last = w.Generate(spanCtx, prompt, imageRefs, modelKey, meta)
		w.Release()
		attempts++

		if last.Err == nil {
			span.SetAttributes(attribute.Bool("retryable", false))
			span.End()
			return last
		}
		span.SetAttributes(attribute.Bool("retryable", last.Err.Retryable))
		span.End()

		log.Warn().Str("worker", w.Name).Str("error", last.Err.Error).Bool("retryable", last.Err.Retryable).Msg("pool: attempt failed")

		if !last.Err.Retryable {
			break
		}
	}
	if attempts == 0 {
		return models.GenerateResult{Err: &models.ErrorRecord{
			Error:     "all candidate workers for model " + modelKey + " are busy",
			Code:      models.ErrInternal,
			Retryable: true,
		}}
	}
	return last
}

// GetModels aggregates every Worker's models, de-duplicated by id.
func (p *Pool) GetModels() []models.PublicModel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[string]bool)
	var out []models.PublicModel
	for _, w := range p.workers {
		for _, m := range w.GetModels() {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

// imagePolicyRank orders policies from loosest to strictest for the
// getImagePolicy aggregation: optional is loosest, forbidden
// strictest, and the default (no supporting worker) is optional.
var imagePolicyRank = map[models.ImagePolicy]int{
	models.ImageOptional:  0,
	models.ImageRequired:  1,
	models.ImageForbidden: 2,
}

// GetImagePolicy returns the loosest policy across Workers supporting
// modelKey: optional if any supporter reports optional; forbidden only if
// every supporter reports forbidden.
func (p *Pool) GetImagePolicy(modelKey string) models.ImagePolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()

	loosest := models.ImagePolicy("")
	found := false
	for _, w := range p.workers {
		if !w.Supports(modelKey) {
			continue
		}
		policy := w.GetImagePolicy(modelKey)
		if !found || imagePolicyRank[policy] < imagePolicyRank[loosest] {
			loosest = policy
			found = true
		}
	}
	if !found {
		return models.ImageOptional
	}
	return loosest
}

// GetCookies delegates to a named Worker's instance, or the first Worker
// if instanceName is empty.
func (p *Pool) GetCookies(ctx context.Context, instanceName, domain string) ([]models.Cookie, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.workers) == 0 {
		return nil, errors.New("pool has no workers")
	}
	if instanceName == "" {
		return p.workers[0].GetCookies(ctx, domain)
	}
	for _, w := range p.workers {
		if w.InstanceName == instanceName {
			return w.GetCookies(ctx, domain)
		}
	}
	return nil, errors.New("no worker for instance " + instanceName)
}

// WorkerLogs returns the named Worker's recent log lines, for the
// worker-logs endpoint.
func (p *Pool) WorkerLogs(name string, n int) ([]worker.LogEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, w := range p.workers {
		if w.Name == name {
			return w.RecentLogs(n), nil
		}
	}
	return nil, fmt.Errorf("no worker named %s", name)
}

// NavigateToMonitor asks every idle merge-type Worker to navigate to its
// monitor adapter, best-effort (failures are logged, not propagated).
func (p *Pool) NavigateToMonitor(ctx context.Context) {
	p.mu.RLock()
	workers := make([]*worker.Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.RUnlock()

	for _, w := range workers {
		if err := w.NavigateToMonitor(ctx); err != nil {
			log.Warn().Str("worker", w.Name).Err(err).Msg("pool: navigateToMonitor failed")
		}
	}
}

// WorkerCount returns the number of Workers in the pool; the queue uses
// it as MaxConcurrent.
func (p *Pool) WorkerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Supports reports whether any Worker resolves modelKey. Used by the
// request parser to validate the model key at parse time
// without otherwise depending on the pool's concrete type.
func (p *Pool) Supports(modelKey string) bool {
	_, err := p.candidates(modelKey, false)
	return err == nil
}
