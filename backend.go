package contentcore

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Backend is the per-document orchestrator: it owns the cache and stream
// registry for every (type, id) document it has touched, serializes writes,
// and drives the stream-update work loop. Backend is safe for concurrent
// use across documents; mutation of one document's state never blocks
// another's.
type Backend struct {
	registry *Registry
	store    Store
	pubsub   PubSub
	cfg      *backendConfig
	wl       *workLoop

	mu            sync.Mutex
	docs          map[string]*docState
	expiring      *list.List // ordered oldest-expiry-first; Value is a docKey string
	expiryRunning bool
}

// NewBackend wires a Registry, Store, and PubSub into a Backend. bus may be
// nil, in which case operations are only fanned out to local streams
// through the work loop's backfill path, never pushed live cross-process.
func NewBackend(registry *Registry, store Store, bus PubSub, opts ...BackendOption) *Backend {
	cfg := defaultBackendConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	b := &Backend{
		registry: registry,
		store:    store,
		pubsub:   bus,
		cfg:      cfg,
		docs:     make(map[string]*docState),
		expiring: list.New(),
	}
	b.wl = newWorkLoop(b)
	return b
}

// Close stops the background work loop. It does not close the Store or
// PubSub, which the caller owns.
func (b *Backend) Close() error {
	b.wl.stop()
	return nil
}

func (b *Backend) getOrCreateDocState(docType, id string) (*docState, string) {
	key := DocKey(docType, id)
	b.mu.Lock()
	ds, ok := b.docs[key]
	if !ok {
		ds = newDocState()
		b.docs[key] = ds
	}
	b.mu.Unlock()
	return ds, key
}

// SubmitOperation validates, applies, persists, and fans out one operation.
func (b *Backend) SubmitOperation(ctx context.Context, op Operation) error {
	if op.Version == MinVersion {
		return &AssertionError{Message: "cannot submit the implicit base operation"}
	}
	if op.Size() > MaxEntitySize {
		return &EntityTooLargeError{Entity: "operation", Size: op.Size(), Limit: MaxEntitySize}
	}

	ct, ok := b.registry.Get(op.Type)
	if !ok {
		return &NotFoundError{Entity: "contentType", Key: op.Type}
	}
	if !ct.HasSchema(op.Schema) {
		schema, err := b.store.LoadSchema(ctx, op.Schema)
		if err != nil {
			return err
		}
		ct.RegisterSchema(schema.Hash)
	}

	snapshot, err := b.LoadSnapshot(ctx, op.Type, op.ID, op.Version-1)
	if err != nil {
		return err
	}
	if op.Version != snapshot.Version+1 {
		return &OutOfSequenceError{Type: op.Type, ID: op.ID, Got: op.Version, Expected: snapshot.Version + 1}
	}

	nextSnapshot, err := ct.Apply(snapshot, op)
	if err != nil {
		return err
	}
	if nextSnapshot.Size() > MaxEntitySize {
		return &EntityTooLargeError{Entity: "snapshot", Size: nextSnapshot.Size(), Limit: MaxEntitySize}
	}

	if err := b.store.StoreOperation(ctx, op); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			// Some other writer's operation won the race; our view is stale.
			b.wl.notifyDirty(DocKey(op.Type, op.ID))
		}
		return err
	}

	ds, key := b.getOrCreateDocState(op.Type, op.ID)
	ds.mu.Lock()
	if ds.cache != nil {
		tailVersion := ds.cache.snapshot.Version + uint64(len(ds.cache.operations))
		if tailVersion == op.Version-1 {
			b.appendOperations(ct, ds.cache, op)
		}
	}
	ds.mu.Unlock()
	b.touch(key, ds)

	if b.pubsub != nil {
		if payload, err := json.Marshal(op); err == nil {
			if err := b.pubsub.Publish(ctx, OperationTopic(op.Type, op.ID), payload); err != nil {
				b.cfg.onWarning(op.Type, op.ID, fmt.Errorf("publish operation: %w", err))
			}
		}
	} else {
		// No bus: local streams pick the operation up through backfill.
		b.wl.notifyDirty(key)
	}

	if b.cfg.shouldStoreSnapshot(nextSnapshot) {
		go b.storeSnapshotAsync(nextSnapshot)
	}

	return nil
}

func (b *Backend) storeSnapshotAsync(snapshot Snapshot) {
	err := b.store.StoreSnapshot(context.Background(), snapshot)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		b.cfg.onWarning(snapshot.Type, snapshot.ID, fmt.Errorf("store snapshot: %w", err))
	}
}

// StreamOperations opens a live, backfilled stream over [versionStart, versionEnd).
func (b *Backend) StreamOperations(ctx context.Context, docType, id string, versionStart, versionEnd uint64) (*OperationStream, error) {
	ds, key := b.getOrCreateDocState(docType, id)
	stream := NewOperationStream(docType, id, versionStart, versionEnd, b.cfg.streamBuffer)

	ds.mu.Lock()
	ds.streams[stream] = struct{}{}
	needSubscribe := !ds.topicSubscribed
	if needSubscribe {
		ds.topicSubscribed = true
	}
	ds.mu.Unlock()

	stream.OnClose(func() { b.unregisterStream(key, ds, stream) })

	if needSubscribe && b.pubsub != nil {
		topic := OperationTopic(docType, id)
		sub, err := b.pubsub.Subscribe(context.Background(), topic, func(payload []byte) {
			b.handleTopicMessage(key, ds, payload)
		})
		ds.mu.Lock()
		if err != nil {
			ds.topicSubscribed = false
		} else {
			ds.topicSub = sub
		}
		ds.mu.Unlock()
		if err != nil {
			b.cfg.onWarning(docType, id, fmt.Errorf("subscribe: %w", err))
		}
	}

	// Backfill from persistent storage immediately, independent of any live
	// push that may arrive via pub/sub in the meantime.
	b.wl.notifyDirty(key)

	return stream, nil
}

func (b *Backend) unregisterStream(key string, ds *docState, stream *OperationStream) {
	ds.mu.Lock()
	delete(ds.streams, stream)
	last := len(ds.streams) == 0
	var sub Subscription
	if last && ds.topicSubscribed {
		sub = ds.topicSub
		ds.topicSubscribed = false
		ds.topicSub = nil
	}
	ds.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			b.cfg.onWarning(stream.Type, stream.ID, fmt.Errorf("unsubscribe: %w", err))
		}
	}
	b.touch(key, ds)
}

// handleTopicMessage is the pub/sub subscription callback: push directly
// into any stream whose versionNext matches, and schedule a backfill for
// streams that are behind.
func (b *Backend) handleTopicMessage(key string, ds *docState, payload []byte) {
	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return
	}

	ds.mu.Lock()
	var matching []*OperationStream
	behind := false
	for s := range ds.streams {
		switch {
		case s.VersionNext() == op.Version:
			matching = append(matching, s)
		case s.NeedsUpdate():
			behind = true
		}
	}
	ds.mu.Unlock()

	for _, s := range matching {
		_ = s.pushOperation(op)
	}
	if behind {
		b.wl.notifyDirty(key)
	}
}

// LoadSnapshot returns the document snapshot at version v, computed from
// the cache where possible and falling back to the Store.
func (b *Backend) LoadSnapshot(ctx context.Context, docType, id string, v uint64) (Snapshot, error) {
	ds, key := b.getOrCreateDocState(docType, id)
	ct, _ := b.registry.Get(docType)

	if snap, ok, err := b.loadSnapshotFromCache(ds, ct, v); err != nil {
		return Snapshot{}, err
	} else if ok {
		b.touch(key, ds)
		return snap, nil
	}

	snap, err := b.store.LoadSnapshot(ctx, docType, id, v)
	if err != nil {
		return Snapshot{}, err
	}

	if snap.Version < v {
		ops, err := b.store.LoadOperations(ctx, docType, id, snap.Version+1, v+1)
		if err != nil {
			return Snapshot{}, err
		}
		if ct == nil {
			return Snapshot{}, &NotFoundError{Entity: "contentType", Key: docType}
		}
		for _, op := range ops {
			if op.IsBase() {
				continue
			}
			next, err := ct.Apply(snap, op)
			if err != nil {
				return Snapshot{}, err
			}
			snap = next
		}
	}

	b.seedCache(key, ds, snap)
	return snap, nil
}

// loadSnapshotFromCache applies cached operations up to v against the
// cache's anchor snapshot. ok is true only if v was reached exactly; the
// cache is forward-only, so a cache whose anchor is already past v is
// ignored ("tie-break").
func (b *Backend) loadSnapshotFromCache(ds *docState, ct ContentType, v uint64) (Snapshot, bool, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.cache == nil || ds.cache.snapshot.Version > v {
		return Snapshot{}, false, nil
	}
	snap := ds.cache.snapshot
	if snap.Version == v {
		return snap, true, nil
	}
	if ct == nil {
		return Snapshot{}, false, nil
	}
	for _, op := range ds.cache.operations {
		if op.Version > v {
			break
		}
		next, err := ct.Apply(snap, op)
		if err != nil {
			return Snapshot{}, false, err
		}
		snap = next
		if snap.Version == v {
			return snap, true, nil
		}
	}
	return Snapshot{}, false, nil
}

func (b *Backend) seedCache(key string, ds *docState, snap Snapshot) {
	ds.mu.Lock()
	if ds.cache == nil {
		ds.cache = &cacheEntry{snapshot: snap}
	}
	ds.mu.Unlock()
	b.touch(key, ds)
}

// LoadOperations returns the operations for (docType, id) in [start, end).
func (b *Backend) LoadOperations(ctx context.Context, docType, id string, start, end uint64) ([]Operation, error) {
	ds, key := b.getOrCreateDocState(docType, id)
	ct, _ := b.registry.Get(docType)

	var result []Operation
	next := start
	if start == MinVersion {
		result = append(result, BaseOperation(docType, id))
		next = MinVersion + 1
	}
	if next >= end {
		return result, nil
	}

	if fromCache, newNext, ok := b.loadOperationsFromCache(ds, next, end); ok {
		result = append(result, fromCache...)
		next = newNext
	}
	if next >= end {
		b.touch(key, ds)
		return result, nil
	}

	fetched, err := b.store.LoadOperations(ctx, docType, id, next, end)
	if err != nil {
		return nil, err
	}
	for _, op := range fetched {
		if op.IsBase() || op.Schema == "" {
			continue
		}
		if ct != nil && !ct.HasSchema(op.Schema) {
			if schema, err := b.store.LoadSchema(ctx, op.Schema); err == nil {
				ct.RegisterSchema(schema.Hash)
			}
		}
	}
	result = append(result, fetched...)

	b.mergeFetchedIntoCache(key, ds, ct, fetched)
	return result, nil
}

func (b *Backend) loadOperationsFromCache(ds *docState, next, end uint64) ([]Operation, uint64, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.cache == nil || len(ds.cache.operations) == 0 {
		return nil, next, false
	}
	first := ds.cache.operations[0].Version
	last := ds.cache.operations[len(ds.cache.operations)-1].Version
	if first > next || last < next {
		return nil, next, false
	}

	startIdx := int(next - first)
	var result []Operation
	for i := startIdx; i < len(ds.cache.operations); i++ {
		op := ds.cache.operations[i]
		if op.Version >= end {
			break
		}
		result = append(result, op)
		next = op.Version + 1
	}
	return result, next, true
}

// mergeFetchedIntoCache appends the store-fetched run onto the cache's tail
// when it is contiguous with it, skipping any prefix that isn't.
func (b *Backend) mergeFetchedIntoCache(key string, ds *docState, ct ContentType, fetched []Operation) {
	if len(fetched) == 0 {
		return
	}
	ds.mu.Lock()
	if ds.cache != nil {
		tailVersion := ds.cache.snapshot.Version + uint64(len(ds.cache.operations))
		for _, op := range fetched {
			if op.IsBase() {
				continue
			}
			if op.Version != tailVersion+1 {
				continue
			}
			b.appendOperations(ct, ds.cache, op)
			tailVersion = op.Version
		}
	}
	ds.mu.Unlock()
	b.touch(key, ds)
}

// touch removes the entry from the expiring set, and, only if no stream is
// currently open for the document, reinserts it at the back with a fresh
// expireAt (insertion order == expiration order, since cacheTTL is
// constant).
func (b *Backend) touch(key string, ds *docState) {
	ds.mu.Lock()
	if ds.cache == nil {
		ds.mu.Unlock()
		return
	}
	pinned := len(ds.streams) > 0
	oldElem := ds.cache.expireElem
	ds.cache.expireElem = nil
	ds.mu.Unlock()

	b.mu.Lock()
	if oldElem != nil {
		b.expiring.Remove(oldElem)
	}
	if pinned {
		b.mu.Unlock()
		return
	}
	elem := b.expiring.PushBack(key)
	b.startExpiryLocked()
	b.mu.Unlock()

	ds.mu.Lock()
	if ds.cache == nil {
		// Evicted concurrently between releasing and re-acquiring ds.mu;
		// the list node is now orphaned.
		ds.mu.Unlock()
		b.mu.Lock()
		b.expiring.Remove(elem)
		b.mu.Unlock()
		return
	}
	ds.cache.expireAt = time.Now().Add(b.cfg.cacheTTL)
	ds.cache.expireElem = elem
	ds.mu.Unlock()
}

func (b *Backend) startExpiryLocked() {
	if b.expiryRunning {
		return
	}
	b.expiryRunning = true
	go b.runExpiryLoop()
}

func (b *Backend) runExpiryLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if b.sweepExpired() {
			return
		}
	}
}

// sweepExpired walks the expiring set from the front, evicting entries
// whose expireAt has passed, and reports whether the set is now empty (in
// which case the timer goroutine exits).
func (b *Backend) sweepExpired() bool {
	now := time.Now()
	for {
		b.mu.Lock()
		front := b.expiring.Front()
		if front == nil {
			b.expiryRunning = false
			b.mu.Unlock()
			return true
		}
		key := front.Value.(string)
		ds := b.docs[key]
		b.mu.Unlock()

		if ds == nil {
			b.mu.Lock()
			b.expiring.Remove(front)
			b.mu.Unlock()
			continue
		}

		ds.mu.Lock()
		expireAt := ds.cache.expireAt
		ds.mu.Unlock()
		if expireAt.After(now) {
			return false
		}

		ds.mu.Lock()
		ds.cache = nil
		ds.mu.Unlock()

		b.mu.Lock()
		b.expiring.Remove(front)
		delete(b.docs, key)
		b.mu.Unlock()
	}
}
