package service

import (
	"context"
	"errors"
	"sync"

	"github.com/sifan077/pageviews/internal/app/model"
)

// ErrUnknownModel is returned when a subject type tag has no registered Model.
var ErrUnknownModel = errors.New("unknown model")

// Model is an application object type whose instances can be tracked.
type Model interface {
	// Name is the type tag stored with every view of this model.
	Name() string
	// Lookup resolves a route parameter (pk, id or slug) to an object id.
	Lookup(ctx context.Context, field, value string) (id string, found bool, err error)
	// LookupMany loads the live objects among ids in a single call, keyed by id.
	// Ids without a live object are simply absent from the result.
	LookupMany(ctx context.Context, ids []string) (map[string]any, error)
}

// SubjectOf builds the subject reference for an object of m.
func SubjectOf(m Model, id string) *model.Subject {
	return &model.Subject{Type: m.Name(), ID: id}
}

// ModelRegistry maps type tags to models.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewModelRegistry returns a registry holding models.
func NewModelRegistry(models ...Model) *ModelRegistry {
	r := &ModelRegistry{models: make(map[string]Model, len(models))}
	for _, m := range models {
		r.Register(m)
	}
	return r
}

// Register adds m, replacing any model with the same name.
func (r *ModelRegistry) Register(m Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[m.Name()] = m
}

// Get returns the model registered under name.
func (r *ModelRegistry) Get(name string) (Model, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// RouteMatch describes the handler that produced a page.
type RouteMatch struct {
	// Name is the logical view name, independent of the URL.
	Name   string
	Params map[string]string
	// Handler may implement any of the accessor interfaces below.
	Handler any
}

// TrackedObjectProvider is implemented by handlers that decide explicitly
// what they display. A nil subject with a nil error means "nothing to
// track" and stops resolution.
type TrackedObjectProvider interface {
	TrackedObject(ctx context.Context, route RouteMatch) (*model.Subject, error)
}

// ObjectProvider is implemented by detail-style handlers.
type ObjectProvider interface {
	Object(ctx context.Context, route RouteMatch) (*model.Subject, error)
}

// ListProvider is implemented by listing handlers; the first element is tracked.
type ListProvider interface {
	ObjectList(ctx context.Context, route RouteMatch) ([]model.Subject, error)
}

// ModelProvider is implemented by handlers that declare the model they serve.
// The object is then looked up from the pk, id or slug route parameter.
type ModelProvider interface {
	Model() Model
}

var lookupFields = []string{"pk", "id", "slug"}
