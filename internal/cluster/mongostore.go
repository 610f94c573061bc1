package cluster

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoMirror is an optional write-behind audit trail for backlog
// snapshots, adapted from the teacher's MongoStorage item sink
// (internal/storage/database.go) onto cluster backlog snapshots instead of
// scraped items. It is not part of the load/save contract in spec.md §6 —
// the state file remains the source of truth — but gives operators a
// queryable history of backlog churn across poll ticks.
type MongoMirror struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoMirror connects to uri and prepares the backlog-history collection.
func NewMongoMirror(uri, database, collection string) (*MongoMirror, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cluster mongo mirror: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("cluster mongo mirror: ping: %w", err)
	}

	return &MongoMirror{
		client:     client,
		collection: client.Database(database).Collection(collection),
	}, nil
}

// RecordSnapshot appends the current backlog snapshot as a point-in-time document.
func (m *MongoMirror) RecordSnapshot(ctx context.Context, jobs []Job) error {
	doc := struct {
		Timestamp time.Time `bson:"timestamp"`
		Depth     int       `bson:"depth"`
		Jobs      []Job     `bson:"jobs"`
	}{
		Timestamp: time.Now(),
		Depth:     len(jobs),
		Jobs:      jobs,
	}
	_, err := m.collection.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("cluster mongo mirror: insert: %w", err)
	}
	return nil
}

// Close disconnects from MongoDB.
func (m *MongoMirror) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
