// Package mongosink is a reference coordinator.Sink backed by MongoDB.
//
// Grounded on ScrapeGoat-And-ArchEnemy's internal/storage/database.go
// (mongo.Connect + Ping at construction, a single collection, Close via
// client.Disconnect) — adapted from a fire-and-forget InsertMany batch
// writer into a single-record idempotent upsert, since coordinator.Sink
// must tolerate at-least-once delivery on the tuple (jobID, requestID,
// attempt) per spec §9.
package mongosink

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/crawlforge/crawlforge/coordinator"
)

// Sink writes ValidatedRecords to a MongoDB collection, one document per
// (jobID, requestID, attempt).
type Sink struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// New connects to uri and verifies reachability with Ping before
// returning, matching the reference storage backend's fail-fast
// construction.
func New(ctx context.Context, uri, database, collection string) (*Sink, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongosink: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		return nil, fmt.Errorf("mongosink: ping: %w", err)
	}

	col := client.Database(database).Collection(collection)
	if _, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "request_id", Value: 1}, {Key: "attempt", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		log.Printf("mongosink: create unique index: %v", err)
	}

	return &Sink{client: client, collection: col}, nil
}

// Write upserts record keyed on (jobID, requestID, attempt), so a
// redelivered record after a worker-crash retry overwrites rather than
// duplicates.
func (s *Sink) Write(ctx context.Context, jobID string, record *coordinator.ValidatedRecord) error {
	filter := bson.D{
		{Key: "job_id", Value: jobID},
		{Key: "request_id", Value: record.RequestID},
		{Key: "attempt", Value: record.Attempt},
	}

	doc := bson.M{
		"job_id":     jobID,
		"request_id": record.RequestID,
		"attempt":    record.Attempt,
		"verdict":    string(record.Verdict),
		"reasons":    record.Reasons,
		"fields":     record.Fields,
		"stored_at":  time.Now(),
	}
	if record.Result != nil {
		doc["http_status"] = record.Result.HTTPStatus
		doc["elapsed_ms"] = record.Result.ElapsedMS
		doc["proxy_used"] = record.Result.ProxyUsed
	}

	_, err := s.collection.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: doc}}, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongosink: upsert record %s/%s: %w", jobID, record.RequestID, err)
	}
	return nil
}

// Close disconnects the underlying client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
