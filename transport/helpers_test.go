package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/syncot/contentcore"
	"github.com/syncot/contentcore/pubsub"
)

// fakeStore is a minimal in-memory contentcore.Store for transport tests.
type fakeStore struct {
	mu         sync.Mutex
	schemas    map[string]contentcore.Schema
	operations map[string]map[uint64]contentcore.Operation
	snapshots  map[string]map[uint64]contentcore.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		schemas:    make(map[string]contentcore.Schema),
		operations: make(map[string]map[uint64]contentcore.Operation),
		snapshots:  make(map[string]map[uint64]contentcore.Snapshot),
	}
}

func (s *fakeStore) StoreSchema(ctx context.Context, schema contentcore.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[schema.Hash] = schema
	return nil
}

func (s *fakeStore) LoadSchema(ctx context.Context, hash string) (contentcore.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schemas[hash]
	if !ok {
		return contentcore.Schema{}, &contentcore.NotFoundError{Entity: "schema", Key: hash}
	}
	return sch, nil
}

func (s *fakeStore) StoreOperation(ctx context.Context, op contentcore.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contentcore.DocKey(op.Type, op.ID)
	byVersion, ok := s.operations[key]
	if !ok {
		byVersion = make(map[uint64]contentcore.Operation)
		s.operations[key] = byVersion
	}
	if _, exists := byVersion[op.Version]; exists {
		return &contentcore.AlreadyExistsError{Entity: "operation", Key: op.Key}
	}
	byVersion[op.Version] = op
	return nil
}

func (s *fakeStore) LoadOperations(ctx context.Context, docType, id string, start, end uint64) ([]contentcore.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []contentcore.Operation
	if start == contentcore.MinVersion {
		result = append(result, contentcore.BaseOperation(docType, id))
		start = contentcore.MinVersion + 1
	}
	byVersion := s.operations[contentcore.DocKey(docType, id)]
	for v := start; v < end; v++ {
		op, ok := byVersion[v]
		if !ok {
			break
		}
		result = append(result, op)
	}
	return result, nil
}

func (s *fakeStore) StoreSnapshot(ctx context.Context, snap contentcore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := contentcore.DocKey(snap.Type, snap.ID)
	byVersion, ok := s.snapshots[key]
	if !ok {
		byVersion = make(map[uint64]contentcore.Snapshot)
		s.snapshots[key] = byVersion
	}
	if _, exists := byVersion[snap.Version]; exists {
		return &contentcore.AlreadyExistsError{Entity: "snapshot", Key: fmt.Sprintf("%s@%d", key, snap.Version)}
	}
	byVersion[snap.Version] = snap
	return nil
}

func (s *fakeStore) LoadSnapshot(ctx context.Context, docType, id string, v uint64) (contentcore.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	best := contentcore.BaseSnapshot(docType, id)
	for version, snap := range s.snapshots[contentcore.DocKey(docType, id)] {
		if version <= v && version >= best.Version {
			best = snap
		}
	}
	return best, nil
}

func (s *fakeStore) Close() error { return nil }

var _ contentcore.Store = (*fakeStore)(nil)

// allowAllAuth grants every request, for transport tests that only exercise
// the wire-pumping behavior, not authorization.
type allowAllAuth struct{}

func (allowAllAuth) Active(ctx context.Context) bool                              { return true }
func (allowAllAuth) UserID(ctx context.Context) string                            { return "u1" }
func (allowAllAuth) SessionID(ctx context.Context) string                         { return "s1" }
func (allowAllAuth) MayReadContent(ctx context.Context, docType, id string) bool  { return true }
func (allowAllAuth) MayWriteContent(ctx context.Context, docType, id string) bool { return true }

var _ contentcore.Auth = allowAllAuth{}

func countApply(snap contentcore.Snapshot, op contentcore.Operation) (contentcore.Snapshot, error) {
	var total int
	if len(snap.Data) > 0 {
		_ = json.Unmarshal(snap.Data, &total)
	}
	var delta int
	if len(op.Data) > 0 {
		_ = json.Unmarshal(op.Data, &delta)
	}
	total += delta
	data, _ := json.Marshal(total)
	return contentcore.Snapshot{Type: op.Type, ID: op.ID, Version: op.Version, Schema: op.Schema, Data: data}, nil
}

func newTestFacade(t *testing.T) *contentcore.Facade {
	t.Helper()
	store := newFakeStore()
	registry := contentcore.NewRegistry()
	registry.Register("T", contentcore.NewContentType("T", nil, countApply))

	backend := contentcore.NewBackend(registry, store, pubsub.NewLocal())
	t.Cleanup(func() { backend.Close() })

	facade := contentcore.NewFacade(backend, store, allowAllAuth{}, registry)

	schemaData := json.RawMessage(`"v1"`)
	schema := contentcore.Schema{
		Type: "T",
		Data: schemaData,
		Hash: contentcore.FingerprintSchema("T", schemaData),
	}
	if err := facade.RegisterSchema(context.Background(), schema); err != nil {
		t.Fatalf("seed schema: %v", err)
	}

	for v := uint64(1); v <= 3; v++ {
		op := contentcore.Operation{
			Key: fmt.Sprintf("k%d", v), Type: "T", ID: "d1", Version: v, Schema: schema.Hash,
			Data: json.RawMessage("1"),
		}
		if err := facade.SubmitOperation(context.Background(), op); err != nil {
			t.Fatalf("seed submit: %v", err)
		}
	}
	return facade
}

func testLogger() *zap.Logger { return zap.NewNop() }
