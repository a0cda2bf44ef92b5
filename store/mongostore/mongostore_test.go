package mongostore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/syncot/contentcore"
)

// connectTestDB dials a local MongoDB instance, skipping with a clear
// message if one is not reachable, rather than failing the whole suite
// in CI without MongoDB.
func connectTestDB(t *testing.T) (*Store, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI("mongodb://localhost:27017"))
	if err != nil {
		t.Skipf("mongostore: cannot connect to MongoDB: %v", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("mongostore: MongoDB not reachable at localhost:27017: %v", err)
	}

	dbName := "contentcore_test_" + primitive.NewObjectID().Hex()
	store, err := New(context.Background(), client, dbName)
	require.NoError(t, err)

	cleanup := func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}
	return store, cleanup
}

func TestStore_SchemaRoundTrip(t *testing.T) {
	store, cleanup := connectTestDB(t)
	defer cleanup()

	schema := contentcore.Schema{
		Hash: "h1",
		Type: "richtext",
		Data: json.RawMessage(`{"nodes":{}}`),
	}
	require.NoError(t, store.StoreSchema(context.Background(), schema))

	got, err := store.LoadSchema(context.Background(), "h1")
	require.NoError(t, err)
	require.Equal(t, schema.Type, got.Type)

	err = store.StoreSchema(context.Background(), schema)
	require.Error(t, err)
	var aee *contentcore.AlreadyExistsError
	require.ErrorAs(t, err, &aee)
}

func TestStore_SchemaNotFound(t *testing.T) {
	store, cleanup := connectTestDB(t)
	defer cleanup()

	_, err := store.LoadSchema(context.Background(), "missing")
	require.Error(t, err)
	var nfe *contentcore.NotFoundError
	require.ErrorAs(t, err, &nfe)
}

func TestStore_OperationsAndBaseSynthesis(t *testing.T) {
	store, cleanup := connectTestDB(t)
	defer cleanup()

	ctx := context.Background()
	for v := uint64(1); v <= 3; v++ {
		require.NoError(t, store.StoreOperation(ctx, contentcore.Operation{
			Key: "k" + string(rune('0'+v)), Type: "T", ID: "d1", Version: v, Schema: "h1",
		}))
	}

	ops, err := store.LoadOperations(ctx, "T", "d1", 0, 4)
	require.NoError(t, err)
	require.Len(t, ops, 4)
	require.Equal(t, uint64(0), ops[0].Version)
	require.True(t, ops[0].IsBase())
	for i, op := range ops[1:] {
		require.Equal(t, uint64(i+1), op.Version)
	}
}

func TestStore_DuplicateOperationVersionConflict(t *testing.T) {
	store, cleanup := connectTestDB(t)
	defer cleanup()

	ctx := context.Background()
	op := contentcore.Operation{Key: "k1", Type: "T", ID: "d1", Version: 1, Schema: "h1"}
	require.NoError(t, store.StoreOperation(ctx, op))

	dup := contentcore.Operation{Key: "k2", Type: "T", ID: "d1", Version: 1, Schema: "h1"}
	err := store.StoreOperation(ctx, dup)
	require.Error(t, err)
}

func TestStore_SnapshotDefaultsToBase(t *testing.T) {
	store, cleanup := connectTestDB(t)
	defer cleanup()

	snap, err := store.LoadSnapshot(context.Background(), "T", "d1", 5)
	require.NoError(t, err)
	require.Equal(t, uint64(0), snap.Version)

	require.NoError(t, store.StoreSnapshot(context.Background(), contentcore.Snapshot{
		Type: "T", ID: "d1", Version: 3, Schema: "h1",
	}))

	snap, err = store.LoadSnapshot(context.Background(), "T", "d1", 5)
	require.NoError(t, err)
	require.Equal(t, uint64(3), snap.Version)
}
