package contentcore

import (
	"context"
	"errors"
	"time"
)

// Facade is the stateless, safe-for-arbitrary-parallelism entry point the
// RPC layer sits on top of. It owns no document state itself — it
// validates arguments, stamps outgoing Meta, enforces Auth, and delegates
// to Backend and Store.
type Facade struct {
	backend  *Backend
	store    Store
	auth     Auth
	registry *Registry
	now      func() time.Time
}

// NewFacade wires a Backend, Store, Auth, and Registry into a Facade. now
// defaults to time.Now; tests may override it for deterministic Meta
// stamping.
func NewFacade(backend *Backend, store Store, auth Auth, registry *Registry) *Facade {
	return &Facade{backend: backend, store: store, auth: auth, registry: registry, now: time.Now}
}

func (f *Facade) requireActive(ctx context.Context) error {
	if !f.auth.Active(ctx) {
		return &AuthError{Reason: "no active session"}
	}
	return nil
}

// validateType rejects an empty document/content type name.
func validateType(docType string) error {
	if docType == "" {
		return &InvalidEntityError{Entity: "type", Reason: "must not be empty"}
	}
	return nil
}

// validateVersionRange checks versionStart ∈ [MinVersion, MaxVersion] and
// versionEnd ∈ [MinVersion, MaxVersion+1].
func validateVersionRange(versionStart, versionEnd uint64) error {
	if versionStart > MaxVersion {
		return &InvalidEntityError{Entity: "versionStart", Reason: "exceeds maxVersion"}
	}
	if versionEnd > MaxVersion+1 {
		return &InvalidEntityError{Entity: "versionEnd", Reason: "exceeds maxVersion+1"}
	}
	if versionEnd < versionStart {
		return &InvalidEntityError{Entity: "versionEnd", Reason: "must not precede versionStart"}
	}
	return nil
}

// validateSchema checks structural size and content-type-specific validity.
func validateSchema(ct ContentType, schema *Schema) error {
	if schema.Hash == "" {
		return &InvalidEntityError{Entity: "schema", Reason: "hash must not be empty"}
	}
	if schema.Size() > MaxEntitySize {
		return &EntityTooLargeError{Entity: "schema", Size: schema.Size(), Limit: MaxEntitySize}
	}
	if ct != nil {
		if err := ct.ValidateSchema(schema); err != nil {
			return err
		}
	}
	return nil
}

// validateOperation checks the shape every operation must have before it
// reaches the Backend: non-empty key, a real version, and a size within
// bounds (the Backend re-checks size against the authoritative limit; this
// is the Facade's earlier, cheaper rejection).
func validateOperation(op *Operation) error {
	if err := validateType(op.Type); err != nil {
		return err
	}
	if op.ID == "" {
		return &InvalidEntityError{Entity: "id", Reason: "must not be empty"}
	}
	if op.Key == "" {
		return &InvalidEntityError{Entity: "key", Reason: "must not be empty"}
	}
	if op.Version == MinVersion {
		return &InvalidEntityError{Entity: "version", Reason: "must not be the implicit base version"}
	}
	if op.Version > MaxVersion {
		return &InvalidEntityError{Entity: "version", Reason: "exceeds maxVersion"}
	}
	if op.Size() > MaxEntitySize {
		return &EntityTooLargeError{Entity: "operation", Size: op.Size(), Limit: MaxEntitySize}
	}
	return nil
}

// RegisterSchema validates schema, stamps its Meta with the caller's
// session, user, and the current time (the same three keys SubmitOperation
// stamps on outgoing operations), and persists it, swallowing AlreadyExists
// so that repeated registration of the same schema is idempotent.
func (f *Facade) RegisterSchema(ctx context.Context, schema Schema) error {
	if err := f.requireActive(ctx); err != nil {
		return err
	}
	ct, _ := f.registry.Get(schema.Type)
	if err := validateSchema(ct, &schema); err != nil {
		return err
	}
	if schema.Hash != FingerprintSchema(schema.Type, schema.Data) {
		return &InvalidEntityError{Entity: "schema", Key: schema.Hash, Reason: "hash does not match (type, data)"}
	}
	schema.Meta = StampMeta(schema.Meta, f.auth.SessionID(ctx), f.auth.UserID(ctx), f.now())

	err := f.store.StoreSchema(ctx, schema)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		return err
	}
	if ct != nil {
		ct.RegisterSchema(schema.Hash)
	}
	return nil
}

// GetSchema returns the schema for hash, or a NotFoundError.
func (f *Facade) GetSchema(ctx context.Context, hash string) (Schema, error) {
	if err := f.requireActive(ctx); err != nil {
		return Schema{}, err
	}
	return f.store.LoadSchema(ctx, hash)
}

// GetSnapshot returns the snapshot at version for (docType, id), requiring
// MayReadContent.
func (f *Facade) GetSnapshot(ctx context.Context, docType, id string, version uint64) (Snapshot, error) {
	if err := f.requireActive(ctx); err != nil {
		return Snapshot{}, err
	}
	if err := validateType(docType); err != nil {
		return Snapshot{}, err
	}
	if version > MaxVersion {
		return Snapshot{}, &InvalidEntityError{Entity: "version", Reason: "exceeds maxVersion"}
	}
	if !f.auth.MayReadContent(ctx, docType, id) {
		return Snapshot{}, &AuthError{Reason: "mayReadContent denied"}
	}
	return f.backend.LoadSnapshot(ctx, docType, id, version)
}

// SubmitOperation validates op, stamps its Meta with the caller's session,
// user, and the current time (overriding any client-supplied values for
// those three keys while preserving every other key), and requires
// MayWriteContent before delegating to the Backend.
func (f *Facade) SubmitOperation(ctx context.Context, op Operation) error {
	if err := f.requireActive(ctx); err != nil {
		return err
	}
	if err := validateOperation(&op); err != nil {
		return err
	}
	if !f.auth.MayWriteContent(ctx, op.Type, op.ID) {
		return &AuthError{Reason: "mayWriteContent denied"}
	}
	op.Meta = StampMeta(op.Meta, f.auth.SessionID(ctx), f.auth.UserID(ctx), f.now())
	return f.backend.SubmitOperation(ctx, op)
}

// StreamOperations validates the version range and requires MayReadContent
// before delegating to the Backend.
func (f *Facade) StreamOperations(ctx context.Context, docType, id string, versionStart, versionEnd uint64) (*OperationStream, error) {
	if err := f.requireActive(ctx); err != nil {
		return nil, err
	}
	if err := validateType(docType); err != nil {
		return nil, err
	}
	if err := validateVersionRange(versionStart, versionEnd); err != nil {
		return nil, err
	}
	if !f.auth.MayReadContent(ctx, docType, id) {
		return nil, &AuthError{Reason: "mayReadContent denied"}
	}
	return f.backend.StreamOperations(ctx, docType, id, versionStart, versionEnd)
}
