package taskstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rapart/apkqueue/internal/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const codeNamespaceExists = 48

type mongoTaskStore struct {
	client *mongo.Client
	db     *mongo.Database
	coll   *mongo.Collection
}

func NewMongoTaskStore(client *mongo.Client, database, collection string) *mongoTaskStore {
	db := client.Database(database)
	return &mongoTaskStore{
		client: client,
		db:     db,
		coll:   db.Collection(collection),
	}
}

// EnsureSchema creates the collection with its validator when it is missing
// and makes sure the indexes exist. Index problems are logged and skipped.
func (s *mongoTaskStore) EnsureSchema(ctx context.Context) error {
	validator := bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"hash", "tag", "status"},
			"properties": bson.M{
				"hash":      bson.M{"bsonType": "string"},
				"tag":       bson.M{"bsonType": "string", "enum": bson.A{string(domain.TagMalware), string(domain.TagBenign)}},
				"status":    bson.M{"bsonType": "bool"},
				"createdAt": bson.M{"bsonType": "date"},
				"updatedAt": bson.M{"bsonType": "date"},
				"error":     bson.M{"bsonType": "string"},
			},
		},
	}

	err := s.db.CreateCollection(ctx, s.coll.Name(), options.CreateCollection().SetValidator(validator))
	if err != nil {
		var cmdErr mongo.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Code != codeNamespaceExists {
			return fmt.Errorf("create collection %s: %w", s.coll.Name(), err)
		}
	}

	_, err = s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "hash", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "tag", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		slog.Warn("mongo index creation", slog.String("error", err.Error()))
		return nil
	}

	slog.Info("mongo indexes created/verified", slog.String("collection", s.coll.Name()))
	return nil
}

func (s *mongoTaskStore) NextPending(ctx context.Context) (domain.Task, bool, error) {
	opts := options.FindOne().SetSort(bson.D{
		{Key: "createdAt", Value: 1},
		{Key: "_id", Value: 1},
	})

	var t domain.Task
	err := s.coll.FindOne(ctx, bson.M{"status": false}, opts).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("mongo find pending: %w", err)
	}

	return t, true, nil
}

func (s *mongoTaskStore) UpdateStatus(
	ctx context.Context,
	hash string,
	status bool,
	errMsg string,
	at time.Time,
) (bool, error) {
	set := bson.M{
		"status":    status,
		"updatedAt": at,
	}
	if errMsg != "" {
		set["error"] = errMsg
	}

	res, err := s.coll.UpdateOne(ctx, bson.M{"hash": hash}, bson.M{"$set": set})
	if err != nil {
		return false, fmt.Errorf("mongo update %s: %w", hash, err)
	}

	return res.MatchedCount > 0, nil
}

func (s *mongoTaskStore) Insert(ctx context.Context, t domain.Task) error {
	if _, err := s.coll.InsertOne(ctx, t); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrTaskExists
		}
		return fmt.Errorf("mongo insert %s: %w", t.Hash, err)
	}
	return nil
}

func (s *mongoTaskStore) Count(ctx context.Context, f domain.Filter) (int64, error) {
	filter := bson.M{}
	if f.Status != nil {
		filter["status"] = *f.Status
	}
	if f.Tag != "" {
		filter["tag"] = string(f.Tag)
	}
	if f.WithError {
		filter["error"] = bson.M{"$exists": true}
	}

	n, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("mongo count: %w", err)
	}
	return n, nil
}

func (s *mongoTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *mongoTaskStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	slog.Info("disconnected from mongo")
	return nil
}
