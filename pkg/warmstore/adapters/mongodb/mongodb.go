// Package mongodb is the warm-store backend: a durable document store
// holding the broker's four owned collections (shared_memory, topics,
// messages, dead_letters) behind the warmstore.Store contract.
package mongodb

import (
	"context"
	"crypto/tls"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chris-alexander-pop/msgbroker/pkg/config"
	"github.com/chris-alexander-pop/msgbroker/pkg/errors"
	"github.com/chris-alexander-pop/msgbroker/pkg/warmstore"
)

// DefaultDatabase is used when Config.Database is unset.
const DefaultDatabase = "chronow_warm"

// Config holds the connection options for the warm store. MONGO_URI is
// shared with the emulated hot-store backend; Database is kept distinct so
// the two tiers never collide under the same name.
type Config struct {
	URI      string `env:"MONGO_URI"`
	Database string `env:"MONGO_WARM_DATABASE" env-default:"chronow_warm"`
	TLS      bool   `env:"MONGO_TLS" env-default:"false"`
}

// NewFromEnv builds a Store from the MONGO_* environment variables.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, errors.Wrap(err, "load warm-store config")
	}
	return New(cfg)
}

// Store implements warmstore.Store over a mongo-driver client.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB and ensures the collections' unique indexes.
func New(cfg Config) (*Store, error) {
	if cfg.URI == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "MONGO_URI is required", nil)
	}
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(10 * time.Second)
	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, warmstore.ErrConnectFailed(err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, warmstore.ErrConnectFailed(err)
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = DefaultDatabase
	}
	db := client.Database(dbName)
	s := &Store{client: client, db: db}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := []struct {
		collection string
		keys       bson.D
	}{
		{warmstore.CollectionSharedMemory, bson.D{{Key: "key", Value: 1}, {Key: "namespace", Value: 1}, {Key: "tenant", Value: 1}}},
		{warmstore.CollectionTopics, bson.D{{Key: "topic", Value: 1}, {Key: "tenant", Value: 1}}},
		{warmstore.CollectionMessages, bson.D{{Key: "topic", Value: 1}, {Key: "msgId", Value: 1}, {Key: "tenant", Value: 1}}},
	}
	for _, idx := range indexes {
		if _, err := s.db.Collection(idx.collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    idx.keys,
			Options: options.Index().SetUnique(true),
		}); err != nil {
			return errors.Wrap(err, "create unique index on "+idx.collection)
		}
	}
	return nil
}

// Insert implements warmstore.Store.
func (s *Store) Insert(ctx context.Context, collection string, doc warmstore.Doc) error {
	_, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc))
	if mongo.IsDuplicateKeyError(err) {
		return warmstore.ErrAlreadyExists(collection, err)
	}
	if err != nil {
		return warmstore.ErrWriteFailed("insert", err)
	}
	return nil
}

// Upsert implements warmstore.Store.
func (s *Store) Upsert(ctx context.Context, collection string, filter, doc warmstore.Doc) error {
	_, err := s.db.Collection(collection).UpdateOne(ctx,
		bson.M(filter),
		bson.M{"$set": bson.M(doc)},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return warmstore.ErrWriteFailed("upsert", err)
	}
	return nil
}

// FindOne implements warmstore.Store.
func (s *Store) FindOne(ctx context.Context, collection string, filter warmstore.Doc) (warmstore.Doc, error) {
	var out bson.M
	err := s.db.Collection(collection).FindOne(ctx, bson.M(filter)).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, warmstore.ErrReadFailed("findOne", err)
	}
	return warmstore.Doc(out), nil
}

// Find implements warmstore.Store.
func (s *Store) Find(ctx context.Context, collection string, filter warmstore.Doc) ([]warmstore.Doc, error) {
	cur, err := s.db.Collection(collection).Find(ctx, bson.M(filter))
	if err != nil {
		return nil, warmstore.ErrReadFailed("find", err)
	}
	defer cur.Close(ctx)

	var docs []warmstore.Doc
	for cur.Next(ctx) {
		var m bson.M
		if err := cur.Decode(&m); err != nil {
			continue
		}
		docs = append(docs, warmstore.Doc(m))
	}
	return docs, nil
}

// DeleteMany implements warmstore.Store.
func (s *Store) DeleteMany(ctx context.Context, collection string, filter warmstore.Doc) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, bson.M(filter))
	if err != nil {
		return 0, warmstore.ErrWriteFailed("deleteMany", err)
	}
	return res.DeletedCount, nil
}

// Close implements warmstore.Store.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}
