package protected

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// itemDocument MongoDB 中存儲的項目文檔
type itemDocument struct {
	Key       string    `bson:"key"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore MongoDB 實作
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore 創建 MongoDB 存儲並建立索引
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	collection := db.Collection("protected_items")

	// key 唯一索引
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create protected_items index: %w", err)
	}

	return &MongoStore{collection: collection}, nil
}

func (s *MongoStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return wrap("put", key, err)
	}

	doc := itemDocument{Key: key, Value: cloneBytes(value), UpdatedAt: time.Now().UTC()}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"key": key}, doc, opts); err != nil {
		return wrap("put", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, wrap("get", key, err)
	}

	var doc itemDocument
	err := s.collection.FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, wrap("get", key, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return doc.Value, nil
}

func (s *MongoStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return wrap("delete", key, err)
	}
	if _, err := s.collection.DeleteOne(ctx, bson.M{"key": key}); err != nil {
		return wrap("delete", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return nil
}

func (s *MongoStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, wrap("exists", key, err)
	}
	n, err := s.collection.CountDocuments(ctx, bson.M{"key": key})
	if err != nil {
		return false, wrap("exists", key, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	return n > 0, nil
}

func (s *MongoStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := validatePrefix(prefix); err != nil {
		return nil, wrap("keys", prefix, err)
	}

	filter := bson.M{}
	if prefix != "" {
		filter["key"] = bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "key", Value: 1}}).
		SetProjection(bson.M{"key": 1})

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, wrap("keys", prefix, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer cursor.Close(ctx)

	var docs []itemDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, wrap("keys", prefix, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}

	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.Key)
	}
	return keys, nil
}
