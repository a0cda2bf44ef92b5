package contentcore

import "context"

// Store is the durable-persistence collaborator. Implementations must be
// linearizable per (type, id) and must reject duplicate primary keys with
// an error satisfying
// errors.Is(err, ErrAlreadyExists): schema hash for StoreSchema, and
// (type, id, version) or operation key for StoreOperation.
//
// Suspension points: every method may block on network I/O and must accept
// ctx cancellation.
type Store interface {
	// StoreSchema persists schema exactly once per Hash. It returns an
	// error satisfying errors.Is(err, ErrAlreadyExists) if the hash is
	// already stored; callers that only care about durability, not
	// novelty, should swallow that specific error (the Facade's
	// registerSchema does this).
	StoreSchema(ctx context.Context, schema Schema) error

	// LoadSchema returns the schema for hash, or an error satisfying
	// errors.Is(err, ErrNotFound) if it is not stored.
	LoadSchema(ctx context.Context, hash string) (Schema, error)

	// StoreOperation persists op exactly once. It returns an error
	// satisfying errors.Is(err, ErrAlreadyExists) on a Key or
	// (Type, ID, Version) collision.
	StoreOperation(ctx context.Context, op Operation) error

	// LoadOperations returns the operations for (docType, id) with
	// version in [start, end), in strictly increasing version order. If
	// start == MinVersion the synthetic base operation is included as the
	// first element.
	LoadOperations(ctx context.Context, docType, id string, start, end uint64) ([]Operation, error)

	// StoreSnapshot persists a snapshot. It returns an error satisfying
	// errors.Is(err, ErrAlreadyExists) on a (Type, ID, Version) collision.
	StoreSnapshot(ctx context.Context, snapshot Snapshot) error

	// LoadSnapshot returns the most recent persisted snapshot at version
	// <= v for (docType, id), or the implicit base snapshot if none has
	// been persisted at or below v.
	LoadSnapshot(ctx context.Context, docType, id string, v uint64) (Snapshot, error)

	// Close releases any resources held by the store.
	Close() error
}
