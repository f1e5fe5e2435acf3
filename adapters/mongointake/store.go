// Package mongointake is the MongoDB-backed ports.IntakeRepository:
// ETag-conditional claim via FindOneAndUpdate, unconditional terminal write
// (spec.md §5 "Intake store").
package mongointake

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcore/workflow/ports"
	"github.com/flowcore/workflow/workflow"
)

// Store is the MongoDB ports.IntakeRepository.
type Store struct {
	dbname string
	col    string

	client *mongo.Client
	db     *mongo.Database
	rows   *mongo.Collection

	onceConnect sync.Once
}

// Option is a Store option.
type Option func(*Store)

func Client(c *mongo.Client) Option { return func(s *Store) { s.client = c } }
func Database(name string) Option   { return func(s *Store) { s.dbname = name } }
func Collection(name string) Option { return func(s *Store) { s.col = name } }

// New returns a MongoDB-backed ports.IntakeRepository.
func New(opts ...Option) *Store {
	s := Store{}
	for _, opt := range opts {
		opt(&s)
	}
	if strings.TrimSpace(s.dbname) == "" {
		s.dbname = "workflow"
	}
	if strings.TrimSpace(s.col) == "" {
		s.col = "intake"
	}
	return &s
}

type doc struct {
	PartitionKey string    `bson:"partitionKey"`
	RowKey       string    `bson:"rowKey"`
	Status       string    `bson:"status"`
	LeaseUntil   time.Time `bson:"leaseUntil"`
	ETag         string    `bson:"etag"`
}

// GetAvailableUnprocessed implements ports.IntakeRepository.
func (s *Store) GetAvailableUnprocessed(ctx context.Context, take int, now time.Time) ([]ports.IntakeRow, error) {
	if err := s.connectOnce(ctx); err != nil {
		return nil, fmt.Errorf("mongointake: connect: %w", err)
	}

	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{
			{Key: "status", Value: string(workflow.IntakeUnprocessed)},
			{Key: "leaseUntil", Value: bson.D{{Key: "$not", Value: bson.D{{Key: "$gt", Value: now}}}}},
		},
		bson.D{
			{Key: "status", Value: string(workflow.IntakeInProgress)},
			{Key: "leaseUntil", Value: bson.D{{Key: "$lte", Value: now}}},
		},
	}}}
	opts := options.Find().SetLimit(int64(take))
	cur, err := s.rows.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongointake: find: %w", err)
	}
	defer cur.Close(ctx)

	out := make([]ports.IntakeRow, 0)
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("mongointake: decode: %w", err)
		}
		out = append(out, ports.IntakeRow{
			PartitionKey: d.PartitionKey, RowKey: d.RowKey,
			Status: workflow.IntakeStatus(d.Status), LeaseUntil: d.LeaseUntil, ETag: d.ETag,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongointake: cursor: %w", err)
	}
	return out, nil
}

// TryClaim implements ports.IntakeRepository: an ETag-conditioned
// FindOneAndUpdate, matching the read-then-write race the aggregate/project
// package guards against with AggregateVersion checks, applied here to a
// plain document ETag instead of a stream version.
func (s *Store) TryClaim(ctx context.Context, row ports.IntakeRow, leaseUntil time.Time) (bool, error) {
	if err := s.connectOnce(ctx); err != nil {
		return false, fmt.Errorf("mongointake: connect: %w", err)
	}

	nextETag := uuid.NewString()
	res := s.rows.FindOneAndUpdate(ctx,
		bson.D{
			{Key: "partitionKey", Value: row.PartitionKey},
			{Key: "rowKey", Value: row.RowKey},
			{Key: "etag", Value: row.ETag},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(workflow.IntakeInProgress)},
			{Key: "leaseUntil", Value: leaseUntil},
			{Key: "etag", Value: nextETag},
		}}},
	)
	if err := res.Err(); err != nil {
		if err == mongo.ErrNoDocuments {
			return false, nil
		}
		return false, fmt.Errorf("mongointake: claim %s/%s: %w", row.PartitionKey, row.RowKey, err)
	}
	return true, nil
}

// MarkTerminal implements ports.IntakeRepository with an unconditional
// ("force") write, as spec.md §5 requires.
func (s *Store) MarkTerminal(ctx context.Context, partitionKey, rowKey string, status workflow.IntakeStatus) error {
	if err := s.connectOnce(ctx); err != nil {
		return fmt.Errorf("mongointake: connect: %w", err)
	}

	_, err := s.rows.UpdateOne(ctx,
		bson.D{{Key: "partitionKey", Value: partitionKey}, {Key: "rowKey", Value: rowKey}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(status)},
			{Key: "etag", Value: uuid.NewString()},
		}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongointake: mark terminal %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}

func (s *Store) connectOnce(ctx context.Context) error {
	var err error
	s.onceConnect.Do(func() {
		if err = s.connect(ctx); err != nil {
			return
		}
		_, err = s.rows.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "partitionKey", Value: 1}, {Key: "rowKey", Value: 1}},
			Options: options.Index().SetName("workflow_intake_keys").SetUnique(true),
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
	s.rows = s.db.Collection(s.col)
	return nil
}
