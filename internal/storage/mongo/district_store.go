// Package mongo stores one document per district in a MongoDB collection,
// keyed by a unique slug index.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/JakeFAU/mgnrega-tracker/internal/district"
)

// Config captures connection settings for the Mongo backend.
type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// DistrictStore implements district.Store on a Mongo collection.
type DistrictStore struct {
	client         *mongo.Client
	collection     *mongo.Collection
	connectTimeout time.Duration
}

// Open connects, pings, and ensures the slug index.
func Open(ctx context.Context, cfg Config) (*DistrictStore, error) {
	store, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	connectCtx, cancel := context.WithTimeout(ctx, store.connectTimeout)
	defer cancel()
	if err := store.Ping(connectCtx); err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}
	if err := store.EnsureIndexes(connectCtx); err != nil {
		_ = store.Close(context.Background())
		return nil, err
	}
	return store, nil
}

// Dial builds a client without waiting for a server. The driver connects in
// the background; callers must Ping and EnsureIndexes before relying on it.
func Dial(ctx context.Context, cfg Config) (*DistrictStore, error) {
	if strings.TrimSpace(cfg.URI) == "" {
		return nil, errors.New("mongo.uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = "mgnrega"
	}
	if cfg.Collection == "" {
		cfg.Collection = "districts"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	return &DistrictStore{
		client:         client,
		collection:     client.Database(cfg.Database).Collection(cfg.Collection),
		connectTimeout: cfg.ConnectTimeout,
	}, nil
}

// NewDistrictStoreWithCollection wraps an existing collection (primarily for testing).
func NewDistrictStoreWithCollection(coll *mongo.Collection) *DistrictStore {
	return &DistrictStore{collection: coll}
}

// EnsureIndexes creates the unique slug index.
func (s *DistrictStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("slug_unique"),
	})
	if err != nil {
		return fmt.Errorf("ensure slug index: %w", err)
	}
	return nil
}

// Ping checks connectivity through the collection's client.
func (s *DistrictStore) Ping(ctx context.Context) error {
	if err := s.collection.Database().Client().Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	return nil
}

// Close disconnects the client when Open created it.
func (s *DistrictStore) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	return nil
}

// Upsert replaces the whole document for d.Slug, inserting when absent.
func (s *DistrictStore) Upsert(ctx context.Context, d district.District) error {
	if strings.TrimSpace(d.Slug) == "" {
		return errors.New("district slug is required")
	}
	if d.BBox == nil {
		d.BBox = district.BBox{}
	}
	if d.Series == nil {
		d.Series = []district.SeriesPoint{}
	}
	_, err := s.collection.ReplaceOne(
		ctx,
		bson.M{"slug": d.Slug},
		d,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert district %s: %w", d.Slug, err)
	}
	return nil
}

// List returns every district without its series, ordered by slug.
func (s *DistrictStore) List(ctx context.Context) ([]district.District, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 0, "series": 0}).
		SetSort(bson.D{{Key: "slug", Value: 1}})
	cur, err := s.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list districts: %w", err)
	}
	var out []district.District
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode districts: %w", err)
	}
	return out, nil
}

// Get returns the full document for slug.
func (s *DistrictStore) Get(ctx context.Context, slug string) (district.District, error) {
	var d district.District
	err := s.collection.FindOne(ctx, bson.M{"slug": slug}, options.FindOne().SetProjection(bson.M{"_id": 0})).Decode(&d)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return district.District{}, district.ErrNotFound
		}
		return district.District{}, fmt.Errorf("get district %s: %w", slug, err)
	}
	return d, nil
}

// Count returns the number of documents.
func (s *DistrictStore) Count(ctx context.Context) (int64, error) {
	n, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count districts: %w", err)
	}
	return n, nil
}
