package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gometeo/weathergw/internal/model"
)

// RedisStore keeps one sorted set per cache key, scored by created_at.
// It has never held rows keyed by raw city names, so LegacyCityMatch is ignored.
type RedisStore struct {
	client *redis.Client
	opts   Options
	newID  func() string
}

// redisEntry gives every member a unique id so equal payloads never collapse.
type redisEntry struct {
	ID     string              `json:"id"`
	Record model.WeatherRecord `json:"record"`
}

func NewRedis(ctx context.Context, addr, password string, db int, opts Options) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return NewRedisWithClient(client, opts), nil
}

func NewRedisWithClient(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.withDefaults(), newID: uuid.NewString}
}

func historyKey(cacheKey string) string {
	return "weather:history:" + cacheKey
}

func (s *RedisStore) Insert(ctx context.Context, rec model.WeatherRecord) error {
	rec = stamp(rec, s.opts.Now())

	member, err := json.Marshal(redisEntry{ID: s.newID(), Record: rec})
	if err != nil {
		return fmt.Errorf("encode weather for %s: %w", rec.CacheKey, err)
	}

	err = s.client.ZAdd(ctx, historyKey(rec.CacheKey), redis.Z{
		Score:  *rec.CreatedAt,
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("insert weather for %s: %w", rec.CacheKey, err)
	}
	return nil
}

func (s *RedisStore) QueryHistory(ctx context.Context, city string, limit int, maxAgeHours *int) ([]model.WeatherRecord, error) {
	key := CacheKey(city)
	if key == "" || limit <= 0 {
		return []model.WeatherRecord{}, nil
	}

	minScore := "-inf"
	if c := cutoff(s.opts.Now(), maxAgeHours); c != nil {
		minScore = strconv.FormatFloat(*c, 'f', -1, 64)
	}

	members, err := s.client.ZRevRangeByScore(ctx, historyKey(key), &redis.ZRangeBy{
		Min:   minScore,
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", key, err)
	}
	return s.decode(members), nil
}

func (s *RedisStore) QueryLatestByKey(ctx context.Context, cacheKey string) (*model.WeatherRecord, error) {
	if strings.TrimSpace(cacheKey) == "" {
		return nil, nil
	}

	members, err := s.client.ZRevRange(ctx, historyKey(cacheKey), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("query latest for %s: %w", cacheKey, err)
	}

	records := s.decode(members)
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// decode skips members that fail to parse instead of failing the whole read.
func (s *RedisStore) decode(members []string) []model.WeatherRecord {
	records := make([]model.WeatherRecord, 0, len(members))
	for _, m := range members {
		var entry redisEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			s.opts.Logger.Warnw("Skipping undecodable history member", "error", err)
			continue
		}
		records = append(records, entry.Record)
	}
	return records
}
