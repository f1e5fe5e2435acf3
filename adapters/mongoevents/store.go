// Package mongoevents is the MongoDB-backed ports.EventStore, adapted from
// the teacher's event/eventstore/mongostore package: inside one transaction,
// the per-stream "state" document's version is compared with
// expectedVersion, the new documents are inserted, and the state document
// is upserted with the new version.
package mongoevents

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowcore/workflow/errtax"
	"github.com/flowcore/workflow/eventlog"
)

// Store is the MongoDB ports.EventStore.
type Store struct {
	dbname     string
	entriesCol string
	statesCol  string

	client  *mongo.Client
	db      *mongo.Database
	entries *mongo.Collection
	states  *mongo.Collection

	onceConnect sync.Once
}

// Option is a Store option.
type Option func(*Store)

// Client sets the underlying mongo.Client to use.
func Client(c *mongo.Client) Option { return func(s *Store) { s.client = c } }

// Database sets the database name (default "workflow").
func Database(name string) Option { return func(s *Store) { s.dbname = name } }

// Collection sets the events collection name (default "events").
func Collection(name string) Option { return func(s *Store) { s.entriesCol = name } }

// StateCollection sets the per-stream version collection name (default
// "streamstates").
func StateCollection(name string) Option { return func(s *Store) { s.statesCol = name } }

// New returns a MongoDB-backed ports.EventStore.
func New(opts ...Option) *Store {
	s := Store{}
	for _, opt := range opts {
		opt(&s)
	}
	if strings.TrimSpace(s.dbname) == "" {
		s.dbname = "workflow"
	}
	if strings.TrimSpace(s.entriesCol) == "" {
		s.entriesCol = "events"
	}
	if strings.TrimSpace(s.statesCol) == "" {
		s.statesCol = "streamstates"
	}
	return &s
}

type streamState struct {
	StreamID string `bson:"streamId"`
	Version  int    `bson:"version"`
}

type doc struct {
	ID            string  `bson:"id"`
	StreamID      string  `bson:"streamId"`
	Type          string  `bson:"type"`
	OccurredUTC   int64   `bson:"occurredUtcNano"`
	Data          []byte  `bson:"data"`
	CorrelationID *string `bson:"correlationId,omitempty"`
	CausationID   *string `bson:"causationId,omitempty"`
	Version       int     `bson:"version"`
}

// Append implements ports.EventStore.
func (s *Store) Append(ctx context.Context, aggregateID string, events []eventlog.Proposed, expectedVersion *int) (int, error) {
	if err := s.connectOnce(ctx); err != nil {
		return 0, fmt.Errorf("mongoevents: connect: %w", err)
	}
	if len(events) == 0 {
		return 0, fmt.Errorf("mongoevents: append: no events")
	}

	var newVersion int
	err := s.client.UseSession(ctx, func(sctx mongo.SessionContext) error {
		if err := sctx.StartTransaction(); err != nil {
			return fmt.Errorf("start transaction: %w", err)
		}

		current, err := s.currentVersion(sctx, aggregateID)
		if err != nil {
			_ = sctx.AbortTransaction(sctx)
			return fmt.Errorf("read stream state: %w", err)
		}

		if expectedVersion != nil && *expectedVersion != current {
			_ = sctx.AbortTransaction(sctx)
			return errtax.Wrap(errtax.Concurrency, &eventlog.ConcurrencyError{StreamID: aggregateID, ExpectedVersion: *expectedVersion, ActualVersion: current})
		}

		version := current
		docs := make([]interface{}, 0, len(events))
		for _, e := range events {
			version++
			docs = append(docs, doc{
				ID: e.ID, StreamID: aggregateID, Type: e.Type,
				OccurredUTC: e.OccurredUTC.UnixNano(), Data: []byte(e.Data),
				CorrelationID: e.CorrelationID, CausationID: e.CausationID,
				Version: version,
			})
		}

		if _, err := s.entries.InsertMany(sctx, docs); err != nil {
			_ = sctx.AbortTransaction(sctx)
			if mongo.IsDuplicateKeyError(err) {
				return errtax.Wrap(errtax.Concurrency, &eventlog.ConcurrencyError{StreamID: aggregateID, ExpectedVersion: current, ActualVersion: current})
			}
			return fmt.Errorf("insert events: %w", err)
		}

		if _, err := s.states.ReplaceOne(sctx,
			bson.D{{Key: "streamId", Value: aggregateID}},
			streamState{StreamID: aggregateID, Version: version},
			options.Replace().SetUpsert(true),
		); err != nil {
			_ = sctx.AbortTransaction(sctx)
			return fmt.Errorf("update stream state: %w", err)
		}

		if err := sctx.CommitTransaction(sctx); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}

		newVersion = version
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (s *Store) currentVersion(ctx mongo.SessionContext, aggregateID string) (int, error) {
	res := s.states.FindOne(ctx, bson.D{{Key: "streamId", Value: aggregateID}})
	var st streamState
	if err := res.Decode(&st); err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, err
	}
	return st.Version, nil
}

// ReadStream implements ports.EventStore.
func (s *Store) ReadStream(ctx context.Context, aggregateID string) ([]eventlog.Event, error) {
	if err := s.connectOnce(ctx); err != nil {
		return nil, fmt.Errorf("mongoevents: connect: %w", err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	cur, err := s.entries.Find(ctx, bson.D{{Key: "streamId", Value: aggregateID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongoevents: find: %w", err)
	}
	defer cur.Close(ctx)

	events := make([]eventlog.Event, 0)
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("mongoevents: decode: %w", err)
		}
		events = append(events, eventlog.Event{
			ID: d.ID, Type: d.Type, OccurredUTC: unixNano(d.OccurredUTC),
			Data: json.RawMessage(d.Data), CorrelationID: d.CorrelationID, CausationID: d.CausationID,
			Version: d.Version,
		})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("mongoevents: cursor: %w", err)
	}
	return events, nil
}

func unixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func (s *Store) connectOnce(ctx context.Context) error {
	var err error
	s.onceConnect.Do(func() {
		if err = s.connect(ctx); err != nil {
			return
		}
		err = s.ensureIndexes(ctx)
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
	s.entries = s.db.Collection(s.entriesCol)
	s.states = s.db.Collection(s.statesCol)
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	if _, err := s.entries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "streamId", Value: 1}, {Key: "version", Value: 1}},
			Options: options.Index().SetName("workflow_stream_version").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "streamId", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetName("workflow_stream_eventid").SetUnique(true),
		},
	}); err != nil {
		return fmt.Errorf("create indexes (%s): %w", s.entries.Name(), err)
	}
	if _, err := s.states.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "streamId", Value: 1}},
		Options: options.Index().SetName("workflow_stream").SetUnique(true),
	}); err != nil {
		return fmt.Errorf("create indexes (%s): %w", s.states.Name(), err)
	}
	return nil
}
