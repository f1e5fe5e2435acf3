// Package mongoprojection is the MongoDB-backed ports.ProjectionRepository:
// last-writer-wins upserts keyed by requestId, guarded by the reducer's own
// monotonic lastAppliedEventVersion check (spec.md §5 "Projection store").
package mongoprojection

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcore/workflow/projection"
	"github.com/flowcore/workflow/workflow"
)

// Store is the MongoDB ports.ProjectionRepository.
type Store struct {
	dbname string
	col    string

	client *mongo.Client
	db     *mongo.Database
	recs   *mongo.Collection

	onceConnect sync.Once
}

// Option is a Store option.
type Option func(*Store)

func Client(c *mongo.Client) Option { return func(s *Store) { s.client = c } }
func Database(name string) Option   { return func(s *Store) { s.dbname = name } }
func Collection(name string) Option { return func(s *Store) { s.col = name } }

// New returns a MongoDB-backed ports.ProjectionRepository.
func New(opts ...Option) *Store {
	s := Store{}
	for _, opt := range opts {
		opt(&s)
	}
	if strings.TrimSpace(s.dbname) == "" {
		s.dbname = "workflow"
	}
	if strings.TrimSpace(s.col) == "" {
		s.col = "projections"
	}
	return &s
}

type doc struct {
	ID                      string     `bson:"_id"`
	RequestID               string     `bson:"requestId"`
	PartitionKey            string     `bson:"partitionKey"`
	RowKey                  string     `bson:"rowKey"`
	Status                  string     `bson:"status"`
	SubmitAttemptCount      int        `bson:"submitAttemptCount"`
	NextPollAtUTC           *time.Time `bson:"nextPollAtUtc,omitempty"`
	ExternalJobID           string     `bson:"externalJobId,omitempty"`
	HasExternalJobID        bool       `bson:"hasExternalJobId"`
	LastAppliedEventVersion int        `bson:"lastAppliedEventVersion"`
	UpdatedUTC              time.Time  `bson:"updatedUtc"`
}

func toDoc(rec projection.Record) doc {
	return doc{
		ID: rec.RequestID.String(), RequestID: rec.RequestID.String(),
		PartitionKey: rec.PartitionKey, RowKey: rec.RowKey,
		Status: string(rec.Status), SubmitAttemptCount: rec.SubmitAttemptCount,
		NextPollAtUTC: rec.NextPollAtUTC, ExternalJobID: rec.ExternalJobID,
		HasExternalJobID: rec.HasExternalJobID, LastAppliedEventVersion: rec.LastAppliedEventVersion,
		UpdatedUTC: rec.UpdatedUTC,
	}
}

func fromDoc(d doc) projection.Record {
	id := workflow.RequestID(d.RequestID)
	return projection.Record{
		ID: id, RequestID: id, PartitionKey: d.PartitionKey, RowKey: d.RowKey,
		Status: workflow.WorkItemStatus(d.Status), SubmitAttemptCount: d.SubmitAttemptCount,
		NextPollAtUTC: d.NextPollAtUTC, ExternalJobID: d.ExternalJobID,
		HasExternalJobID: d.HasExternalJobID, LastAppliedEventVersion: d.LastAppliedEventVersion,
		UpdatedUTC: d.UpdatedUTC,
	}
}

// Upsert implements ports.ProjectionRepository. The monotonic guard against
// clobbering newer state with a stale write is the same check the reducer
// itself applies; this is belt-and-suspenders against concurrent handler
// invocations reading a stale version before one of them writes first.
func (s *Store) Upsert(ctx context.Context, rec projection.Record) error {
	if err := s.connectOnce(ctx); err != nil {
		return fmt.Errorf("mongoprojection: connect: %w", err)
	}

	filter := bson.D{
		{Key: "_id", Value: rec.RequestID.String()},
		{Key: "lastAppliedEventVersion", Value: bson.D{{Key: "$lte", Value: rec.LastAppliedEventVersion}}},
	}
	_, err := s.recs.ReplaceOne(ctx, filter, toDoc(rec), options.Replace().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("mongoprojection: upsert %s: %w", rec.RequestID, err)
	}
	return nil
}

// Get implements ports.ProjectionRepository.
func (s *Store) Get(ctx context.Context, requestID workflow.RequestID) (projection.Record, bool, error) {
	if err := s.connectOnce(ctx); err != nil {
		return projection.Record{}, false, fmt.Errorf("mongoprojection: connect: %w", err)
	}

	res := s.recs.FindOne(ctx, bson.D{{Key: "_id", Value: requestID.String()}})
	var d doc
	if err := res.Decode(&d); err != nil {
		if err == mongo.ErrNoDocuments {
			return projection.Record{}, false, nil
		}
		return projection.Record{}, false, fmt.Errorf("mongoprojection: decode %s: %w", requestID, err)
	}
	return fromDoc(d), true, nil
}

// GetDueForPoll implements ports.ProjectionRepository.
func (s *Store) GetDueForPoll(ctx context.Context, now time.Time, take int) ([]projection.Record, error) {
	if err := s.connectOnce(ctx); err != nil {
		return nil, fmt.Errorf("mongoprojection: connect: %w", err)
	}

	filter := bson.D{
		{Key: "status", Value: string(workflow.StatusInProgress)},
		{Key: "nextPollAtUtc", Value: bson.D{{Key: "$ne", Value: nil}, {Key: "$lte", Value: now}}},
	}
	opts := options.Find().SetLimit(int64(take)).SetSort(bson.D{{Key: "nextPollAtUtc", Value: 1}})
	cur, err := s.recs.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongoprojection: find due: %w", err)
	}
	defer cur.Close(ctx)

	recs := make([]projection.Record, 0)
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("mongoprojection: decode: %w", err)
		}
		recs = append(recs, fromDoc(d))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongoprojection: cursor: %w", err)
	}
	return recs, nil
}

func (s *Store) connectOnce(ctx context.Context) error {
	var err error
	s.onceConnect.Do(func() {
		if err = s.connect(ctx); err != nil {
			return
		}
		_, err = s.recs.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "nextPollAtUtc", Value: 1}},
			Options: options.Index().SetName("workflow_due_for_poll"),
		})
	})
	return err
}

func (s *Store) connect(ctx context.Context) error {
	if s.client == nil {
		uri := os.Getenv("WORKFLOW_MONGO_URL")
		c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return fmt.Errorf("mongo.Connect: %w", err)
		}
		s.client = c
	}
	s.db = s.client.Database(s.dbname)
	s.recs = s.db.Collection(s.col)
	return nil
}
