// Package worker implements the Worker: one browser page bound to one
// adapter, or, for the merge type, to an ordered set of adapters sharing
// a profile and a tab.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/browsergate/browsergate/internal/errs"
	"github.com/browsergate/browsergate/internal/page"
	"github.com/browsergate/browsergate/internal/registry"
	"github.com/browsergate/browsergate/pkg/models"
	"github.com/rs/zerolog/log"
)

const defaultNavigationTimeout = 60 * time.Second

// Config is the static description of one Worker, as loaded from YAML
// config.
type Config struct {
	Name         string // globally unique across config
	Type         string // adapter id, or "merge"
	InstanceName string // browser-profile group
	UserDataDir  string
	ProxyConfig  *registry.ProxyConfig
	MergeTypes   []string // ordered, merge type only
	MergeMonitor string   // adapter id to idle-navigate to, merge type only
}

// Worker binds a page to one adapter (or an ordered set, for merge) and
// tracks it against the registry for model support/resolution.
//
// Ownership: one Worker exclusively owns its Page for the process
// lifetime; a page is never shared across Workers. Multiple Workers may
// share a browser-profile context (same UserDataDir) — that sharing
// happens one level up, in the composition root (pkg/server) and its page
// factory, which construct Workers for an instance; this type only ever
// touches the Page it was given.
type Worker struct {
	Config

	reg  *registry.Registry
	page page.Page
	logs *LogBuffer

	busyCount   int32 // atomic; invariant: 0 <= busyCount <= 1, held via TryAcquire
	initialized int32 // atomic bool
}

// New binds cfg's worker description to pg against reg. The Worker does
// not navigate or probe anything until Init is called.
func New(cfg Config, pg page.Page, reg *registry.Registry) *Worker {
	return &Worker{
		Config: cfg,
		reg:    reg,
		page:   pg,
		logs:   NewLogBuffer(500),
	}
}

// types returns the ordered list of adapter ids this Worker resolves
// against: MergeTypes for a merge Worker, or a single-element list
// otherwise — single-type Workers follow the same resolution rules with
// one type.
func (w *Worker) types() []string {
	if w.Type == "merge" {
		return w.MergeTypes
	}
	return []string{w.Type}
}

func (w *Worker) hasType(adapterID string) bool {
	for _, t := range w.types() {
		if t == adapterID {
			return true
		}
	}
	return false
}

// Init navigates the page to the adapter's target URL and runs its
// input-readiness probe. Human-presence warm-up (cursor movement,
// scroll-and-back) and navigation-handler registration are browser-layer
// concerns this repo only consumes through the Page interface — the
// concrete steps live in the browser layer, outside this repo.
func (w *Worker) Init(ctx context.Context) error {
	for _, adapterID := range w.types() {
		target := w.reg.TargetURL(adapterID, w.InstanceName, w.Name)
		if target == "" {
			continue
		}
		if err := w.page.NavigateWithCheck(ctx, target, defaultNavigationTimeout); err != nil {
			return fmt.Errorf("worker %s: navigate to %s: %w", w.Name, adapterID, err)
		}
		if probe := w.reg.ReadinessProbe(adapterID); probe != nil {
			if err := probe.Probe(ctx, w.page); err != nil {
				return fmt.Errorf("worker %s: readiness probe for %s: %w", w.Name, adapterID, err)
			}
		}
	}
	atomic.StoreInt32(&w.initialized, 1)
	w.logs.Write("info", "worker initialized")
	log.Info().Str("worker", w.Name).Strs("types", w.types()).Msg("worker: initialized")
	return nil
}

// Initialized reports whether Init has completed successfully.
func (w *Worker) Initialized() bool { return atomic.LoadInt32(&w.initialized) == 1 }

// BusyCount returns the current busy counter (0 or 1).
func (w *Worker) BusyCount() int32 { return atomic.LoadInt32(&w.busyCount) }

// TryAcquire reserves this Worker for one generate call. It succeeds only
// when the Worker is idle, so at most one adapter call can ever run on
// this page. The caller that wins must call Release exactly once.
func (w *Worker) TryAcquire() bool {
	return atomic.CompareAndSwapInt32(&w.busyCount, 0, 1)
}

// Release returns the Worker to idle after a successful TryAcquire.
func (w *Worker) Release() {
	atomic.StoreInt32(&w.busyCount, 0)
}

// Supports reports whether this Worker can resolve modelKey against any
// adapter in its type set.
func (w *Worker) Supports(modelKey string) bool {
	return w.resolveModel(modelKey) != nil
}

// resolveModel applies the registry's resolution rule, restricted to this
// Worker's own adapter type set: a prefixed key forces one adapter (which
// must be among this Worker's types); a bare key is tried against each of
// this Worker's types in order.
func (w *Worker) resolveModel(modelKey string) *registry.Resolved {
	if adapterID, _, ok := strings.Cut(modelKey, "/"); ok {
		if !w.hasType(adapterID) {
			return nil
		}
		return w.reg.Resolve(modelKey)
	}
	for _, t := range w.types() {
		if res := w.reg.Resolve(t + "/" + modelKey); res != nil {
			return res
		}
	}
	return nil
}

// Generate resolves modelKey, then invokes the bound adapter's generate
// function. The caller must hold this Worker's in-flight slot (TryAcquire)
// for the duration; Generate itself does not guard re-entry. An exception
// escaping the adapter is recovered and normalized through errs, never
// surfaced as a raw panic.
func (w *Worker) Generate(ctx context.Context, prompt string, imageRefs []string, modelKey string, meta map[string]interface{}) models.GenerateResult {
	resolved := w.resolveModel(modelKey)
	if resolved == nil {
		return models.GenerateResult{Err: &models.ErrorRecord{
			Error:     "worker " + w.Name + " cannot resolve model " + modelKey,
			Code:      models.ErrInternal,
			Retryable: false,
		}}
	}

	genFn := w.reg.Generate(resolved.AdapterID)
	if genFn == nil {
		return models.GenerateResult{Err: &models.ErrorRecord{
			Error:     "adapter " + resolved.AdapterID + " has no generate function",
			Code:      models.ErrInternal,
			Retryable: false,
		}}
	}

	defer w.page.MoveMouseAway(ctx)

	gctx := registry.GenerateContext{
		Page:        w.page,
		ProxyConfig: w.ProxyConfig,
		UserDataDir: w.UserDataDir,
		Meta:        meta,
	}

	result := w.safeCall(ctx, genFn, prompt, imageRefs, resolved.InternalID, gctx)
	if result.Err != nil {
		w.logs.Write("error", result.Err.Error)
	}
	return result
}

// safeCall is the exception boundary every adapter call crosses: any
// recovered panic is normalized exactly like a thrown adapter error.
func (w *Worker) safeCall(ctx context.Context, genFn registry.GenerateFunc, prompt string, imageRefs []string, internalID string, gctx registry.GenerateContext) (result models.GenerateResult) {
	defer func() {
		if r := recover(); r != nil {
			rec := errs.FromRecovered(r)
			log.Warn().Str("worker", w.Name).Str("code", string(rec.Code)).Msg("worker: adapter panic recovered")
			result = models.GenerateResult{Err: rec}
		}
	}()
	return genFn(ctx, prompt, imageRefs, internalID, gctx)
}

// GetModels returns this Worker's models in OpenAI /v1/models shape,
// aggregated across its type set.
func (w *Worker) GetModels() []models.PublicModel {
	var out []models.PublicModel
	for _, t := range w.types() {
		for _, md := range w.reg.Models(t) {
			out = append(out, models.PublicModel{
				ID:          md.ID,
				Object:      "model",
				OwnedBy:     t,
				ImagePolicy: md.ImagePolicy,
			})
		}
	}
	return out
}

// GetImagePolicy returns modelKey's image policy as resolved by this
// Worker, defaulting to optional if unresolved (callers should check
// Supports first).
func (w *Worker) GetImagePolicy(modelKey string) models.ImagePolicy {
	if resolved := w.resolveModel(modelKey); resolved != nil {
		return resolved.Model.ImagePolicy
	}
	return models.ImageOptional
}

// GetCookies returns the bound page's cookies, optionally filtered by domain.
func (w *Worker) GetCookies(ctx context.Context, domain string) ([]models.Cookie, error) {
	return w.page.Cookies(ctx, domain)
}

// RecentLogs returns the Worker's latest retained log lines, oldest first.
func (w *Worker) RecentLogs(n int) []LogEntry {
	return w.logs.Recent(n)
}

// NavigateToMonitor asks an idle merge-type Worker to navigate its tab to
// the monitor adapter's target URL, if it isn't already there — a
// "looks human even when idle" behavior. A no-op for
// single-type Workers or ones without a configured monitor.
func (w *Worker) NavigateToMonitor(ctx context.Context) error {
	if w.Type != "merge" || w.MergeMonitor == "" {
		return nil
	}
	if atomic.LoadInt32(&w.busyCount) != 0 {
		return nil
	}
	target := w.reg.TargetURL(w.MergeMonitor, w.InstanceName, w.Name)
	if target == "" || w.page.URL() == target {
		return nil
	}
	return w.page.NavigateWithCheck(ctx, target, defaultNavigationTimeout)
}
