// Package registry implements the adapter registry: the set of
// validated, immutable Adapter manifests the pool and workers query by
// id, plus OpenAI-shaped model-list and model-resolution lookups.
//
// There is no directory scan or runtime plugin loading. Adapters register
// at startup, from each adapter package's init() or from the composition
// root's wiring step.
package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/browsergate/browsergate/internal/page"
	"github.com/browsergate/browsergate/pkg/models"
	"github.com/rs/zerolog/log"
)

// ProxyConfig is the subset of an instance's proxy settings an adapter's
// generate function may need. Kept local to this package (rather than
// imported from internal/config) so the Adapter contract has no dependency
// on the config file shape — internal/worker converts config.ProxyConfig
// into this at construction time.
type ProxyConfig struct {
	Server   string
	Username string
	Password string
}

// GenerateContext is the view a Worker exposes to an adapter's Generate
// call: the page it owns, the worker's proxy config and user-data
// directory, and free-form per-call metadata (request id, for logging).
type GenerateContext struct {
	Page        page.Page
	ProxyConfig *ProxyConfig
	UserDataDir string
	Meta        map[string]interface{}
}

// GenerateFunc is the Adapter contract's generate operation.
// Implementations must never panic for an expected failure — build a
// models.GenerateResult.Err instead — and must, on every exit path, move
// the mouse away and release any route interception they installed.
type GenerateFunc func(ctx context.Context, prompt string, imageRefs []string, modelID string, gctx GenerateContext) models.GenerateResult

// TargetURLFunc resolves an adapter's navigation target for a given
// instance/worker. It receives only the instance mark and worker name, no
// config value, so this package has no dependency on internal/config.
type TargetURLFunc func(instanceMark, workerName string) string

// Manifest is one adapter's immutable registration record.
type Manifest struct {
	ID                 string
	DisplayName        string
	TargetURL          TargetURLFunc
	NavigationHandlers []page.NavigationHandler
	ReadinessProbe     page.ReadinessProbe // optional; nil if the adapter has none
	Models             []models.ModelDescriptor
	Generate           GenerateFunc
}

// validate applies the manifest rejection rules. Returns a non-nil error
// naming the first violation found.
func (m *Manifest) validate() error {
	if m.ID == "" {
		return errMissing("id")
	}
	if m.Generate == nil {
		return errMissing("generate")
	}
	if len(m.Models) == 0 {
		return errMissing("models")
	}
	seen := make(map[string]bool, len(m.Models))
	for _, md := range m.Models {
		if md.ID == "" {
			return errMissing("model.id")
		}
		if !md.ImagePolicy.Valid() {
			return errInvalidPolicy(m.ID, md.ID, md.ImagePolicy)
		}
		if seen[md.ID] {
			return errDuplicateModel(m.ID, md.ID)
		}
		seen[md.ID] = true
	}
	return nil
}

// ModelFilter restricts which of an adapter's models are visible and
// resolvable.
type ModelFilter struct {
	Mode string // "blacklist" or "whitelist"
	List []string
}

func (f *ModelFilter) allows(modelID string) bool {
	if f == nil {
		return true
	}
	inList := false
	for _, id := range f.List {
		if id == modelID {
			inList = true
			break
		}
	}
	switch f.Mode {
	case "whitelist":
		return inList
	case "blacklist":
		return !inList
	default:
		return true
	}
}

// Registry holds every validated adapter manifest plus the per-adapter
// model filters loaded from config. It is populated once at startup and
// read concurrently thereafter: a sync.RWMutex-guarded map with no
// further mutation after the load phase completes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Manifest
	filters  map[string]*ModelFilter
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		adapters: make(map[string]*Manifest),
		filters:  make(map[string]*ModelFilter),
	}
}

// Register validates and stores a manifest. A rejected manifest is logged
// and skipped — the process continues with the remaining set — so
// callers should not treat a validation failure as fatal to
// startup; it's surfaced only as a log line and a returned error for the
// registration call site to decide how loudly to complain.
func (r *Registry) Register(m *Manifest) error {
	if err := m.validate(); err != nil {
		log.Warn().Str("adapter", m.ID).Err(err).Msg("registry: rejected adapter manifest")
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[m.ID] = m
	log.Info().Str("adapter", m.ID).Int("models", len(m.Models)).Msg("registry: adapter registered")
	return nil
}

// SetModelFilter installs the model filter for adapter id.
func (r *Registry) SetModelFilter(adapterID string, filter *ModelFilter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[adapterID] = filter
}

// Has reports whether adapter id exists.
func (r *Registry) Has(adapterID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[adapterID]
	return ok
}

// Get returns the manifest for adapterID, or nil.
func (r *Registry) Get(adapterID string) *Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[adapterID]
}

// TargetURL returns adapterID's navigation target, or "" if unknown.
func (r *Registry) TargetURL(adapterID, instanceMark, workerName string) string {
	m := r.Get(adapterID)
	if m == nil || m.TargetURL == nil {
		return ""
	}
	return m.TargetURL(instanceMark, workerName)
}

// NavigationHandlers returns adapterID's handlers, or nil.
func (r *Registry) NavigationHandlers(adapterID string) []page.NavigationHandler {
	m := r.Get(adapterID)
	if m == nil {
		return nil
	}
	return m.NavigationHandlers
}

// ReadinessProbe returns adapterID's input-readiness probe, or nil.
func (r *Registry) ReadinessProbe(adapterID string) page.ReadinessProbe {
	m := r.Get(adapterID)
	if m == nil {
		return nil
	}
	return m.ReadinessProbe
}

// Generate returns adapterID's generate function, or nil.
func (r *Registry) Generate(adapterID string) GenerateFunc {
	m := r.Get(adapterID)
	if m == nil {
		return nil
	}
	return m.Generate
}

// visibleModels returns adapter m's models after its filter is applied.
func (r *Registry) visibleModels(m *Manifest, filter *ModelFilter) []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, 0, len(m.Models))
	for _, md := range m.Models {
		if filter.allows(md.ID) {
			out = append(out, md)
		}
	}
	return out
}

// Models returns adapterID's model descriptors after its configured filter;
// the caller converts them to the OpenAI /v1/models shape.
func (r *Registry) Models(adapterID string) []models.ModelDescriptor {
	r.mu.RLock()
	m, ok := r.adapters[adapterID]
	filter := r.filters[adapterID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.visibleModels(m, filter)
}

// Resolved is the result of resolving a requested model key.
type Resolved struct {
	AdapterID  string
	InternalID string
	Model      models.ModelDescriptor
}

// Resolve applies the model resolution rule: a key containing '/'
// is adapterId/modelId and only that adapter is considered; otherwise every
// adapter's model list is searched. Returns nil if no visible model matches.
func (r *Registry) Resolve(key string) *Resolved {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if adapterID, modelID, ok := strings.Cut(key, "/"); ok {
		m, exists := r.adapters[adapterID]
		if !exists {
			return nil
		}
		return r.resolveIn(adapterID, m, modelID)
	}

	for adapterID, m := range r.adapters {
		if res := r.resolveIn(adapterID, m, key); res != nil {
			return res
		}
	}
	return nil
}

func (r *Registry) resolveIn(adapterID string, m *Manifest, modelID string) *Resolved {
	filter := r.filters[adapterID]
	for _, md := range m.Models {
		if md.ID != modelID {
			continue
		}
		if !filter.allows(md.ID) {
			return nil
		}
		return &Resolved{AdapterID: adapterID, InternalID: md.InternalID(), Model: md}
	}
	return nil
}

// errMissing / errInvalidPolicy / errDuplicateModel are the closed set of
// manifest validation failures.
type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func errMissing(field string) error { return &validationError{"manifest missing " + field} }

func errInvalidPolicy(adapterID, modelID string, p models.ImagePolicy) error {
	return &validationError{"adapter " + adapterID + " model " + modelID + " has invalid imagePolicy " + string(p)}
}

func errDuplicateModel(adapterID, modelID string) error {
	return &validationError{"adapter " + adapterID + " has duplicate model id " + modelID}
}
