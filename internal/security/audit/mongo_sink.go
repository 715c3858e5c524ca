package audit

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoSink 審計事件存於 audit_events 集合
type MongoSink struct {
	collection *mongo.Collection
}

// NewMongoSink 創建 MongoDB 審計存儲
func NewMongoSink(ctx context.Context, db *mongo.Database) (*MongoSink, error) {
	collection := db.Collection("audit_events")

	_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create audit indexes: %w", err)
	}
	return &MongoSink{collection: collection}, nil
}

func (s *MongoSink) Append(ctx context.Context, e Event) error {
	if _, err := s.collection.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func (s *MongoSink) Query(ctx context.Context, f Filter) ([]Event, error) {
	filter := bson.M{}
	ts := bson.M{}
	if !f.From.IsZero() {
		ts["$gte"] = f.From
	}
	if !f.To.IsZero() {
		ts["$lte"] = f.To
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}
	if len(f.Types) > 0 {
		filter["event_type"] = bson.M{"$in": f.Types}
	}
	if len(f.Risks) > 0 {
		filter["risk_level"] = bson.M{"$in": f.Risks}
	}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []Event
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode audit events: %w", err)
	}
	return events, nil
}

func (s *MongoSink) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep audit events: %w", err)
	}
	return int(res.DeletedCount), nil
}
