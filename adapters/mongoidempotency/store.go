// Package mongoidempotency is the MongoDB-backed ports.IdempotencyStore:
// per-handler, per-eventId lease records with ETag-conditional takeover of
// expired leases (spec.md §5 "Idempotency store").
package mongoidempotency

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
)

// Store is the MongoDB ports.IdempotencyStore.
type Store struct {
	dbname string
	col    string

	client *mongo.Client
	db     *mongo.Database
	leases *mongo.Collection

	onceConnect sync.Once
	now         func() time.Time
}

// Option is a Store option.
type Option func(*Store)

func Client(c *mongo.Client) Option { return func(s *Store) { s.client = c } }
func Database(name string) Option   { return func(s *Store) { s.dbname = name } }
func Collection(name string) Option { return func(s *Store) { s.col = name } }

// WithNow overrides the time source (tests only; production uses time.Now).
func WithNow(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// New returns a MongoDB-backed ports.IdempotencyStore.
func New(opts ...Option) *Store {
	s := Store{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if strings.TrimSpace(s.dbname) == "" {
		s.dbname = "workflow"
	}
	if strings.TrimSpace(s.col) == "" {
		s.col = "idempotency"
	}
	return &s
}

const (
	statusInProgress = "InProgress"
	statusCompleted  = "Completed"
)

type doc struct {
	Handler    string    `bson:"handler"`
	EventID    string    `bson:"eventId"`
	Status     string    `bson:"status"`
	LeaseUntil time.Time `bson:"leaseUntilUtc"`
	UpdatedUTC time.Time `bson:"updatedUtc"`
}

// TryBegin implements ports.IdempotencyStore.
func (s *Store) TryBegin(ctx context.Context, handler, eventID string, lease time.Duration) (bool, bool, error) {
	if err := s.connectOnce(ctx); err != nil {
		return false, false, fmt.Errorf("mongoidempotency: connect: %w", err)
	}

	now := s.now().UTC()

	res := s.leases.FindOne(ctx, bson.D{{Key: "handler", Value: handler}, {Key: "eventId", Value: eventID}})
	var existing doc
	err := res.Decode(&existing)
	switch {
	case err == mongo.ErrNoDocuments:
		// fall through to insert below.
	case err != nil:
		return false, false, fmt.Errorf("mongoidempotency: decode %s/%s: %w", handler, eventID, err)
	case existing.Status == statusCompleted:
		return false, true, nil
	case existing.Status == statusInProgress && existing.LeaseUntil.After(now):
		return false, false, nil
	}

	next := doc{Handler: handler, EventID: eventID, Status: statusInProgress, LeaseUntil: now.Add(lease), UpdatedUTC: now}
	if err == mongo.ErrNoDocuments {
		if _, err := s.leases.InsertOne(ctx, next); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return false, false, nil
			}
			return false, false, fmt.Errorf("mongoidempotency: begin %s/%s: %w", handler, eventID, err)
		}
		return true, false, nil
	}

	// Take over only if the record is still the one read above; a concurrent
	// takeover has changed leaseUntilUtc, so this matches nothing.
	replaced, err := s.leases.ReplaceOne(ctx,
		bson.D{
			{Key: "handler", Value: handler}, {Key: "eventId", Value: eventID},
			{Key: "status", Value: existing.Status}, {Key: "leaseUntilUtc", Value: existing.LeaseUntil},
		},
		next,
	)
	if err != nil {
		return false, false, fmt.Errorf("mongoidempotency: begin %s/%s: %w", handler, eventID, err)
	}
	return replaced.MatchedCount == 1, false, nil
}

// MarkCompleted implements ports.IdempotencyStore.
func (s *Store) MarkCompleted(ctx context.Context, handler, eventID string) error {
	if err := s.connectOnce(ctx); err != nil {
		return fmt.Errorf("mongoidempotency: connect: %w", err)
	}

	_, err := s.leases.UpdateOne(ctx,
		bson.D{{Key: "handler", Value: handler}, {Key: "eventId", Value: eventID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: statusCompleted},
			{Key: "updatedUtc", Value: s.now().UTC()},
		}}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongoidempotency: complete %s/%s: %w", handler, eventID, err)
	}
	return nil
}

func (s *Store) connectOnce(ctx context.Context) error {
	var err error
	s.onceConnect.Do(func() {
		if err = s.connect(ctx); err != nil {
			return
		}
		_, err = s.leases.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "handler", Value: 1}, {Key: "eventId", Value: 1}},
			Options: options.Index().SetName("workflow_idempotency_key").SetUnique(true),
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
	s.leases = s.db.Collection(s.col)
	return nil
}
