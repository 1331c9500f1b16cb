// Package mongostore persists projection.RunState snapshots as one upserted
// document per run in MongoDB, grounded on the teacher's run/mongo client:
// same FindOne/UpdateOne-with-upsert shape, generalized from a run metadata
// record to the full RunState snapshot.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowcore/runengine/projection"
)

const (
	defaultCollection = "run_states"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed projection store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements projection.Store against a MongoDB collection.
type Store struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// New returns a Store backed by opts, creating a uniqueness index on run_id.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	index := mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ictx, index); err != nil {
		return nil, err
	}
	return &Store{coll: coll, timeout: timeout}, nil
}

// Load implements projection.Store.
func (s *Store) Load(ctx context.Context, runID string) (projection.RunState, bool, error) {
	if runID == "" {
		return projection.RunState{}, false, errors.New("mongostore: run_id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var state projection.RunState
	err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return projection.RunState{}, false, nil
	}
	if err != nil {
		return projection.RunState{}, false, err
	}
	return state, true, nil
}

// Save implements projection.Store via an upsert keyed by run_id.
func (s *Store) Save(ctx context.Context, state projection.RunState) error {
	if state.RunID == "" {
		return errors.New("mongostore: run_id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": state.RunID}
	update := bson.M{"$set": state}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
