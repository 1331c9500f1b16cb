// Package mongostore persists workflow.State as one upserted document per
// run, grounded on the same FindOne/UpdateOne-upsert shape as
// projection/mongostore (itself adapted from the teacher's run/mongo
// client), plus a Find-based ListIncomplete query driving crash recovery.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/flowcore/runengine/workflow"
)

const (
	defaultCollection = "workflow_states"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo-backed workflow store.
type Options struct {
	Client     *mongo.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Store implements workflow.Store against a MongoDB collection.
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

// Load implements workflow.Store.
func (s *Store) Load(ctx context.Context, runID string) (workflow.State, bool, error) {
	if runID == "" {
		return workflow.State{}, false, errors.New("mongostore: run_id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var state workflow.State
	err := s.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return workflow.State{}, false, nil
	}
	if err != nil {
		return workflow.State{}, false, err
	}
	return state, true, nil
}

// Save implements workflow.Store via an upsert keyed by run_id. The whole
// document is replaced atomically so readers never see a partial write.
func (s *Store) Save(ctx context.Context, state workflow.State) error {
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

// ListIncomplete implements workflow.Store, consulted on process start so
// orphaned workflows resume (§4.C).
func (s *Store) ListIncomplete(ctx context.Context) ([]workflow.State, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"status": bson.M{"$nin": bson.A{workflow.StatusCompleted, workflow.StatusFailed}}}
	cur, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []workflow.State
	for cur.Next(ctx) {
		var state workflow.State
		if err := cur.Decode(&state); err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, cur.Err()
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
