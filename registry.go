package contentcore

import (
	"fmt"
	"sync"
)

// ApplyFunc applies an operation to a snapshot, producing the next
// snapshot. It must be deterministic and side-effect-free: apply(snapshot,
// op) always yields the same result for the same inputs. The caller
// guarantees op.Version == snapshot.Version+1 and that op.Schema has
// already been registered with the owning ContentType.
type ApplyFunc func(snapshot Snapshot, op Operation) (Snapshot, error)

// ValidateFunc validates a schema's Data for a content type, returning an
// error (wrapping ErrInvalidEntity) if it is malformed.
type ValidateFunc func(schema *Schema) error

// ContentType is the per-document-type strategy: schema validation, a
// schema cache, and the pure apply step.
type ContentType interface {
	// ValidateSchema checks schema.Data for structural validity. It does
	// not consult the registered-schema cache.
	ValidateSchema(schema *Schema) error

	// RegisterSchema marks hash as validated and available for Apply. It
	// is idempotent.
	RegisterSchema(hash string)

	// HasSchema reports whether hash has been registered.
	HasSchema(hash string) bool

	// Apply computes the next snapshot. Apply's precondition is
	// op.Version == snapshot.Version+1 and HasSchema(op.Schema); callers
	// (the Backend) are responsible for checking both before calling.
	Apply(snapshot Snapshot, op Operation) (Snapshot, error)
}

// simpleContentType is a reference ContentType: schema/operation payloads
// are opaque to it beyond the caller-supplied validate/apply functions, and
// it maintains its own registered-schema-hash cache.
type simpleContentType struct {
	name     string
	validate ValidateFunc
	apply    ApplyFunc

	mu      sync.RWMutex
	schemas map[string]struct{}
}

// NewContentType builds a ContentType around caller-supplied validate and
// apply functions. validate may be nil, in which case every schema whose Type
// equals name is accepted (the ContentType still gates on HasSchema before
// Apply runs, via the Backend's submission pipeline).
func NewContentType(name string, validate ValidateFunc, apply ApplyFunc) ContentType {
	return &simpleContentType{
		name:     name,
		validate: validate,
		apply:    apply,
		schemas:  make(map[string]struct{}),
	}
}

func (c *simpleContentType) ValidateSchema(schema *Schema) error {
	if schema.Type != c.name {
		return &InvalidEntityError{Entity: "schema", Key: schema.Hash, Reason: fmt.Sprintf("type %q does not match content type %q", schema.Type, c.name)}
	}
	if c.validate != nil {
		return c.validate(schema)
	}
	return nil
}

func (c *simpleContentType) RegisterSchema(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[hash] = struct{}{}
}

func (c *simpleContentType) HasSchema(hash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.schemas[hash]
	return ok
}

func (c *simpleContentType) Apply(snapshot Snapshot, op Operation) (Snapshot, error) {
	if op.Version != snapshot.Version+1 {
		return Snapshot{}, &OutOfSequenceError{Type: op.Type, ID: op.ID, Got: op.Version, Expected: snapshot.Version + 1}
	}
	return c.apply(snapshot, op)
}

// Registry is the type -> ContentType map used by the Backend and Facade.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]ContentType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]ContentType)}
}

// Register adds or replaces the ContentType for docType.
func (r *Registry) Register(docType string, ct ContentType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[docType] = ct
}

// Get returns the ContentType registered for docType, or (nil, false).
func (r *Registry) Get(docType string) (ContentType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ct, ok := r.types[docType]
	return ct, ok
}
