package contentcore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubAuth is a fixed-answer Auth fake for Facade tests.
type stubAuth struct {
	active    bool
	userID    string
	sessionID string
	canRead   bool
	canWrite  bool
}

func (a *stubAuth) Active(ctx context.Context) bool      { return a.active }
func (a *stubAuth) UserID(ctx context.Context) string     { return a.userID }
func (a *stubAuth) SessionID(ctx context.Context) string  { return a.sessionID }
func (a *stubAuth) MayReadContent(ctx context.Context, docType, id string) bool  { return a.canRead }
func (a *stubAuth) MayWriteContent(ctx context.Context, docType, id string) bool { return a.canWrite }

var _ Auth = (*stubAuth)(nil)

func newTestFacade(t *testing.T, auth *stubAuth) (*Facade, *Backend, *memStore) {
	t.Helper()
	backend, store, registry := newTestBackend(t)
	facade := NewFacade(backend, store, auth, registry)
	facade.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }
	return facade, backend, store
}

func TestFacade_RejectsInactiveSession(t *testing.T) {
	facade, _, _ := newTestFacade(t, &stubAuth{active: false})

	_, err := facade.GetSnapshot(context.Background(), "T", "d1", 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAuth)
}

func TestFacade_RegisterSchemaIsIdempotent(t *testing.T) {
	facade, _, _ := newTestFacade(t, &stubAuth{active: true, canWrite: true, canRead: true})

	data := json.RawMessage(`{"nodes":{}}`)
	schema := Schema{Type: "T", Data: data, Hash: FingerprintSchema("T", data)}

	require.NoError(t, facade.RegisterSchema(context.Background(), schema))
	require.NoError(t, facade.RegisterSchema(context.Background(), schema))

	got, err := facade.GetSchema(context.Background(), schema.Hash)
	require.NoError(t, err)
	require.Equal(t, schema.Hash, got.Hash)
}

func TestFacade_SubmitOperationRequiresWrite(t *testing.T) {
	facade, _, _ := newTestFacade(t, &stubAuth{active: true, canWrite: false, canRead: true})

	op := Operation{Key: "k1", Type: "T", ID: "d1", Version: 1, Schema: "h1", Data: json.RawMessage("1")}
	err := facade.SubmitOperation(context.Background(), op)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAuth)
}

func TestFacade_SubmitOperationSucceedsAndStampsMeta(t *testing.T) {
	auth := &stubAuth{active: true, canWrite: true, canRead: true, userID: "u1", sessionID: "s1"}
	facade, backend, store := newTestFacade(t, auth)

	op := Operation{Key: "k1", Type: "T", ID: "d1", Version: 1, Schema: "h1", Data: json.RawMessage("1"),
		Meta: Meta{"client": "web", "session": "ignored-client-value"}}
	require.NoError(t, facade.SubmitOperation(context.Background(), op))

	snap, err := backend.LoadSnapshot(context.Background(), "T", "d1", 1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Version)

	store.mu.Lock()
	stored := store.operations[DocKey("T", "d1")][1]
	store.mu.Unlock()
	require.Equal(t, "s1", stored.Meta[MetaKeySession])
	require.Equal(t, "u1", stored.Meta[MetaKeyUser])
	require.Equal(t, time.Unix(1700000000, 0).UTC(), stored.Meta[MetaKeyTime])
	require.Equal(t, "web", stored.Meta["client"])
}

func TestFacade_StreamOperationsValidatesRange(t *testing.T) {
	facade, _, _ := newTestFacade(t, &stubAuth{active: true, canRead: true})

	_, err := facade.StreamOperations(context.Background(), "T", "d1", 5, 2)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidEntity)
}

func TestFacade_StreamOperationsRequiresRead(t *testing.T) {
	facade, _, _ := newTestFacade(t, &stubAuth{active: true, canRead: false})

	_, err := facade.StreamOperations(context.Background(), "T", "d1", 1, 5)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAuth)
}

func TestFacade_GetSnapshotRequiresRead(t *testing.T) {
	facade, _, _ := newTestFacade(t, &stubAuth{active: true, canRead: false})

	_, err := facade.GetSnapshot(context.Background(), "T", "d1", 0)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAuth)
}

func TestFacade_SubmitOperationRejectsOversized(t *testing.T) {
	facade, _, _ := newTestFacade(t, &stubAuth{active: true, canWrite: true})

	big := make(json.RawMessage, MaxEntitySize+1)
	for i := range big {
		big[i] = '0'
	}
	op := Operation{Key: "k1", Type: "T", ID: "d1", Version: 1, Schema: "h1", Data: big}
	err := facade.SubmitOperation(context.Background(), op)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEntityTooLarge)
}
