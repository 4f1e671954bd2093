// Package mongo provides the MongoDB-backed document store.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pagesink/pagesink/internal/pipeline"
)

// Config controls the MongoDB connection.
type Config struct {
	URI        string
	Database   string
	Collection string
}

// Store upserts outcome documents into a MongoDB collection. The task id is
// the document _id, so replacement is the natural idempotent write.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewStore connects a client and pings the deployment so a bad URI fails at
// startup instead of on the first task.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("store.uri is required")
	}
	database := cfg.Database
	if database == "" {
		database = "pagesink"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "pages"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &Store{
		client: client,
		coll:   client.Database(database).Collection(collection),
	}, nil
}

// Upsert replaces the document whose _id matches the outcome's id, inserting
// it when absent.
func (s *Store) Upsert(ctx context.Context, outcome pipeline.Outcome) error {
	if s == nil || s.coll == nil {
		return &pipeline.PersistenceError{Err: fmt.Errorf("document store is not configured")}
	}
	if outcome.ID == "" {
		return &pipeline.PersistenceError{Err: fmt.Errorf("outcome id is required")}
	}
	filter := bson.M{"_id": outcome.ID}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, filter, outcome, opts); err != nil {
		return &pipeline.PersistenceError{Err: fmt.Errorf("upsert outcome: %w", err)}
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
