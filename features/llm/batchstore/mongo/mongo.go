// Package mongo provides a MongoDB batch submission store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/goa-llm/features/llm/batchstore"
)

const (
	// DefaultCollection is the collection name used by the CLI.
	DefaultCollection = "llm_batches"

	defaultOpTimeout = 5 * time.Second
)

// Store persists one document per submission keyed by the batch id.
type Store struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ batchstore.Store = (*Store)(nil)

// New returns a store backed by coll and ensures its listing index.
func New(ctx context.Context, coll *mongodriver.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("mongo collection is required")
	}
	s := &Store{coll: coll, timeout: defaultOpTimeout}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "provider", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongodb create index: %w", err)
	}
	return s, nil
}

// Save stores or replaces sub.
func (s *Store) Save(ctx context.Context, sub *batchstore.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := *sub
	doc.CreatedAt = sub.CreatedAt.UTC()
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": sub.ID}, &doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb save submission %q: %w", sub.ID, err)
	}
	return nil
}

// Get returns the submission with the given id.
func (s *Store) Get(ctx context.Context, id string) (*batchstore.Submission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var sub batchstore.Submission
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&sub)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, batchstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb get submission %q: %w", id, err)
	}
	return &sub, nil
}

// Delete removes the submission with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete submission %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return batchstore.ErrNotFound
	}
	return nil
}

// List returns the submissions of provider, most recent first.
func (s *Store) List(ctx context.Context, provider string) ([]*batchstore.Submission, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if provider != "" {
		filter["provider"] = provider
	}
	sort := bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, fmt.Errorf("mongodb list submissions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	out := make([]*batchstore.Submission, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("mongodb list submissions decode: %w", err)
	}
	return out, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}
