// Package mongostore is the MongoDB-backed implementation of
// contentcore.Store: collections plus index-enforced uniqueness instead of
// application-level locking.
package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/syncot/contentcore"
)

// Store persists schemas, operations, and snapshots as three MongoDB
// collections. Uniqueness (schema hash; operation key and (type,id,version);
// snapshot (type,id,version)) is enforced by unique indexes rather than
// application-level locking.
type Store struct {
	schemas    *mongo.Collection
	operations *mongo.Collection
	snapshots  *mongo.Collection
	logger     *zap.Logger
}

// Option configures New.
type Option func(*config)

type config struct {
	schemasName    string
	operationsName string
	snapshotsName  string
	logger         *zap.Logger
}

// WithCollectionNames overrides the default collection names
// ("schemas", "operations", "snapshots").
func WithCollectionNames(schemas, operations, snapshots string) Option {
	return func(c *config) {
		c.schemasName = schemas
		c.operationsName = operations
		c.snapshotsName = snapshots
	}
}

// WithLogger supplies a *zap.Logger; defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// New connects Store to database on client, creating the indexes that back
// the Store contract's already-exists semantics.
func New(ctx context.Context, client *mongo.Client, database string, opts ...Option) (*Store, error) {
	cfg := &config{
		schemasName:    "schemas",
		operationsName: "operations",
		snapshotsName:  "snapshots",
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	db := client.Database(database)
	s := &Store{
		schemas:    db.Collection(cfg.schemasName),
		operations: db.Collection(cfg.operationsName),
		snapshots:  db.Collection(cfg.snapshotsName),
		logger:     cfg.logger,
	}

	if _, err := s.schemas.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "hash", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("mongostore: create schema index: %w", err)
	}

	if _, err := s.operations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "type", Value: 1}, {Key: "id", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "type", Value: 1}, {Key: "id", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "key", Value: bson.D{{Key: "$gt", Value: ""}}}}),
		},
	}); err != nil {
		return nil, fmt.Errorf("mongostore: create operation indexes: %w", err)
	}

	if _, err := s.snapshots.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "type", Value: 1}, {Key: "id", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("mongostore: create snapshot index: %w", err)
	}

	return s, nil
}

func isDuplicateKey(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && ce.Code == 11000 {
		return true
	}
	return false
}

// StoreSchema implements contentcore.Store.
func (s *Store) StoreSchema(ctx context.Context, schema contentcore.Schema) error {
	_, err := s.schemas.InsertOne(ctx, schema)
	if err != nil {
		if isDuplicateKey(err) {
			return &contentcore.AlreadyExistsError{Entity: "schema", Key: schema.Hash, Value: schema}
		}
		return fmt.Errorf("mongostore: store schema: %w", err)
	}
	s.logger.Debug("schema stored", zap.String("hash", schema.Hash), zap.String("type", schema.Type))
	return nil
}

// LoadSchema implements contentcore.Store.
func (s *Store) LoadSchema(ctx context.Context, hash string) (contentcore.Schema, error) {
	var schema contentcore.Schema
	err := s.schemas.FindOne(ctx, bson.M{"hash": hash}).Decode(&schema)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return contentcore.Schema{}, &contentcore.NotFoundError{Entity: "schema", Key: hash}
		}
		return contentcore.Schema{}, fmt.Errorf("mongostore: load schema: %w", err)
	}
	return schema, nil
}

// StoreOperation implements contentcore.Store.
func (s *Store) StoreOperation(ctx context.Context, op contentcore.Operation) error {
	_, err := s.operations.InsertOne(ctx, op)
	if err != nil {
		if isDuplicateKey(err) {
			return &contentcore.AlreadyExistsError{Entity: "operation", Key: op.Key, Value: op}
		}
		return fmt.Errorf("mongostore: store operation: %w", err)
	}
	s.logger.Debug("operation stored",
		zap.String("type", op.Type), zap.String("id", op.ID), zap.Uint64("version", op.Version))
	return nil
}

// LoadOperations implements contentcore.Store. The synthetic base operation
// (version == MinVersion) is synthesized in Go rather than stored.
func (s *Store) LoadOperations(ctx context.Context, docType, id string, start, end uint64) ([]contentcore.Operation, error) {
	var result []contentcore.Operation
	if start == contentcore.MinVersion {
		result = append(result, contentcore.BaseOperation(docType, id))
		start = contentcore.MinVersion + 1
	}
	if start >= end {
		return result, nil
	}

	filter := bson.M{
		"type":    docType,
		"id":      id,
		"version": bson.M{"$gte": start, "$lt": end},
	}
	cursor, err := s.operations.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("mongostore: load operations: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var op contentcore.Operation
		if err := cursor.Decode(&op); err != nil {
			return nil, fmt.Errorf("mongostore: decode operation: %w", err)
		}
		result = append(result, op)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("mongostore: load operations cursor: %w", err)
	}
	return result, nil
}

// StoreSnapshot implements contentcore.Store.
func (s *Store) StoreSnapshot(ctx context.Context, snapshot contentcore.Snapshot) error {
	_, err := s.snapshots.InsertOne(ctx, snapshot)
	if err != nil {
		if isDuplicateKey(err) {
			return &contentcore.AlreadyExistsError{Entity: "snapshot", Key: fmt.Sprintf("%s/%s@%d", snapshot.Type, snapshot.ID, snapshot.Version), Value: snapshot}
		}
		return fmt.Errorf("mongostore: store snapshot: %w", err)
	}
	s.logger.Info("snapshot stored",
		zap.String("type", snapshot.Type), zap.String("id", snapshot.ID), zap.Uint64("version", snapshot.Version))
	return nil
}

// LoadSnapshot implements contentcore.Store: the most recent persisted
// snapshot at version <= v, or the implicit base snapshot.
func (s *Store) LoadSnapshot(ctx context.Context, docType, id string, v uint64) (contentcore.Snapshot, error) {
	filter := bson.M{"type": docType, "id": id, "version": bson.M{"$lte": v}}
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})

	var snapshot contentcore.Snapshot
	err := s.snapshots.FindOne(ctx, filter, opts).Decode(&snapshot)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return contentcore.BaseSnapshot(docType, id), nil
		}
		return contentcore.Snapshot{}, fmt.Errorf("mongostore: load snapshot: %w", err)
	}
	return snapshot, nil
}

// Close implements contentcore.Store. The *mongo.Client is owned by the
// caller, so there is nothing to release here.
func (s *Store) Close() error {
	return nil
}

var _ contentcore.Store = (*Store)(nil)
