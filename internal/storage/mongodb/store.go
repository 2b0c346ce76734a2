// Package mongodb implements the record store and an archive sink on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sirosfoundation/go-msglog/pkg/record"
)

// Store implements record.Store using MongoDB
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	messages *mongo.Collection
	gridfs   *gridfs.Bucket
}

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	Collection     string
	GridFSBucket   string
	ChunkSizeBytes int32
}

// NewStore connects and creates the indexes.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)

	bucketName := cfg.GridFSBucket
	if bucketName == "" {
		bucketName = "archives"
	}
	chunkSize := cfg.ChunkSizeBytes
	if chunkSize == 0 {
		chunkSize = 261120 // 255KB
	}
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().
		SetName(bucketName).
		SetChunkSizeBytes(chunkSize))
	if err != nil {
		return nil, fmt.Errorf("creating GridFS bucket: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "messagelog"
	}
	s := &Store{
		client:   client,
		db:       db,
		messages: db.Collection(collection),
		gridfs:   bucket,
	}
	if err := s.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("creating indexes: %w", err)
	}
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "query_id", Value: 1}, {Key: "time", Value: 1}}},
		{Keys: bson.D{{Key: "archived", Value: 1}, {Key: "time", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp.id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}
	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Save implements record.Store
func (s *Store) Save(ctx context.Context, m *record.Message) error {
	if m.ID == "" {
		m.ID = primitive.NewObjectID().Hex()
	}
	_, err := s.messages.InsertOne(ctx, m)
	return err
}

// SetTimestamp implements record.Store. The records are checked first and
// then updated with a filter that skips time-stamped records, so a
// concurrent update shows up as a partial match.
func (s *Store) SetTimestamp(ctx context.Context, ids []string, ts *record.Timestamp) error {
	if len(ids) == 0 {
		return nil
	}
	in := bson.M{"_id": bson.M{"$in": ids}}

	total, err := s.messages.CountDocuments(ctx, in)
	if err != nil {
		return err
	}
	if total != int64(len(ids)) {
		return record.ErrNotFound
	}
	stamped, err := s.messages.CountDocuments(ctx, stampedFilter(ids))
	if err != nil {
		return err
	}
	if stamped > 0 {
		return record.ErrAlreadyTimestamped
	}

	res, err := s.messages.UpdateMany(ctx, unstampedFilter(ids), bson.M{"$set": bson.M{"timestamp": ts}})
	if err != nil {
		return err
	}
	if res.MatchedCount != int64(len(ids)) {
		return fmt.Errorf("%w: %d of %d records updated", record.ErrAlreadyTimestamped, res.MatchedCount, len(ids))
	}
	return nil
}

// MarkArchived implements record.Store
func (s *Store) MarkArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.messages.UpdateMany(ctx, bson.M{"_id": bson.M{"$in": ids}}, bson.M{
		"$set": bson.M{"archived": true},
	})
	return err
}

// FindByQueryID implements record.Store
func (s *Store) FindByQueryID(ctx context.Context, queryID string, filter record.Filter) ([]*record.Message, error) {
	return s.find(ctx, queryFilter(queryID, filter), 0)
}

// FindArchivable implements record.Store
func (s *Store) FindArchivable(ctx context.Context, limit int) ([]*record.Message, error) {
	return s.find(ctx, archivableFilter(), limit)
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id string) (*record.Message, error) {
	var m record.Message
	err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) find(ctx context.Context, query bson.M, limit int) ([]*record.Message, error) {
	opts := options.Find().SetSort(timeOrder())
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.messages.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*record.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func queryFilter(queryID string, filter record.Filter) bson.M {
	q := bson.M{"query_id": queryID}
	switch filter {
	case record.Requests:
		q["response"] = false
	case record.Responses:
		q["response"] = true
	}
	return q
}

func archivableFilter() bson.M {
	return bson.M{
		"archived":  false,
		"timestamp": bson.M{"$exists": true, "$ne": nil},
	}
}

func stampedFilter(ids []string) bson.M {
	return bson.M{
		"_id":       bson.M{"$in": ids},
		"timestamp": bson.M{"$exists": true, "$ne": nil},
	}
}

func unstampedFilter(ids []string) bson.M {
	return bson.M{
		"_id": bson.M{"$in": ids},
		"$or": []bson.M{
			{"timestamp": bson.M{"$exists": false}},
			{"timestamp": nil},
		},
	}
}

func timeOrder() bson.D {
	return bson.D{{Key: "time", Value: 1}, {Key: "_id", Value: 1}}
}

var _ record.Store = (*Store)(nil)
