package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gometeo/weathergw/internal/model"
)

// MongoStore keeps one document per observation in a single collection.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	opts   Options
}

func NewMongo(ctx context.Context, uri, database, collection string, opts Options) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(collection),
		opts:   opts.withDefaults(),
	}

	_, err = s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "cache_key", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		// The store still works without the index, just slower.
		s.opts.Logger.Warnw("Failed to create history index", "collection", collection, "error", err)
	}
	return s, nil
}

// NewMongoWithCollection wraps an already connected collection. The index is
// left to the caller.
func NewMongoWithCollection(coll *mongo.Collection, opts Options) *MongoStore {
	return &MongoStore{
		client: coll.Database().Client(),
		coll:   coll,
		opts:   opts.withDefaults(),
	}
}

func (s *MongoStore) Insert(ctx context.Context, rec model.WeatherRecord) error {
	rec = stamp(rec, s.opts.Now())
	if _, err := s.coll.InsertOne(ctx, recordDocument(rec)); err != nil {
		return fmt.Errorf("insert weather for %s: %w", rec.CacheKey, err)
	}
	return nil
}

func (s *MongoStore) QueryHistory(ctx context.Context, city string, limit int, maxAgeHours *int) ([]model.WeatherRecord, error) {
	key := CacheKey(city)
	if key == "" || limit <= 0 {
		return []model.WeatherRecord{}, nil
	}

	var variants []string
	if s.opts.LegacyCityMatch {
		variants = legacyCityVariants(city)
	}
	filter := historyFilter(key, variants, cutoff(s.opts.Now(), maxAgeHours))

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 0})

	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", key, err)
	}

	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("read history for %s: %w", key, err)
	}

	records := make([]model.WeatherRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, recordFromDocument(doc))
	}
	return records, nil
}

func (s *MongoStore) QueryLatestByKey(ctx context.Context, cacheKey string) (*model.WeatherRecord, error) {
	if strings.TrimSpace(cacheKey) == "" {
		return nil, nil
	}

	findOpts := options.FindOne().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"_id": 0})

	var doc bson.M
	err := s.coll.FindOne(ctx, bson.M{"cache_key": cacheKey}, findOpts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest for %s: %w", cacheKey, err)
	}

	rec := recordFromDocument(doc)
	return &rec, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}

// historyFilter matches the normalized key, or any legacy city spelling,
// optionally restricted to created_at >= minCreatedAt.
func historyFilter(key string, legacyCities []string, minCreatedAt *float64) bson.M {
	var filter bson.M
	if len(legacyCities) > 0 {
		filter = bson.M{"$or": bson.A{
			bson.M{"cache_key": key},
			bson.M{"city": bson.M{"$in": legacyCities}},
		}}
	} else {
		filter = bson.M{"cache_key": key}
	}
	if minCreatedAt != nil {
		filter["created_at"] = bson.M{"$gte": *minCreatedAt}
	}
	return filter
}

// recordDocument keeps created_at as the final field of the stored document.
func recordDocument(rec model.WeatherRecord) bson.D {
	return bson.D{
		{Key: "cache_key", Value: rec.CacheKey},
		{Key: "city", Value: rec.City},
		{Key: "temperature_celsius", Value: rec.TemperatureCelsius},
		{Key: "description", Value: rec.Description},
		{Key: "humidity", Value: rec.Humidity},
		{Key: "wind_speed", Value: rec.WindSpeed},
		{Key: "timestamp", Value: rec.Timestamp},
		{Key: "created_at", Value: *rec.CreatedAt},
	}
}

// recordFromDocument reads a stored document without trusting its types:
// older documents may carry numbers as strings or miss fields entirely.
func recordFromDocument(doc bson.M) model.WeatherRecord {
	rec := model.WeatherRecord{
		CacheKey:    stringField(doc, "cache_key"),
		City:        stringField(doc, "city"),
		Description: stringField(doc, "description"),
		Timestamp:   stringField(doc, "timestamp"),
	}
	if v, ok := numberField(doc, "temperature_celsius"); ok {
		rec.TemperatureCelsius = v
	}
	if v, ok := numberField(doc, "humidity"); ok {
		rec.Humidity = int(v)
	}
	if v, ok := numberField(doc, "wind_speed"); ok {
		rec.WindSpeed = v
	}
	if v, ok := numberField(doc, "created_at"); ok {
		rec.CreatedAt = &v
	}
	return rec
}

func stringField(doc bson.M, name string) string {
	if s, ok := doc[name].(string); ok {
		return s
	}
	return ""
}

func numberField(doc bson.M, name string) (float64, bool) {
	switch v := doc[name].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
