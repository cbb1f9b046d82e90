package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/gometeo/weathergw/internal/model"
)

const recordColumns = `cache_key, city, temperature_celsius, description, humidity, wind_speed, "timestamp", created_at`

// PostgresStore keeps the history in a single append-only table.
type PostgresStore struct {
	db   *sql.DB
	opts Options
}

func NewPostgres(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := NewPostgresWithDB(db, opts)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresWithDB wraps an already opened handle without touching the schema.
func NewPostgresWithDB(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults()}
}

// Migrate creates the history table and its lookup index.
// Good enough for a single table; anything bigger belongs in a migration tool.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS weather_history (
			id BIGSERIAL PRIMARY KEY,
			cache_key VARCHAR(100),
			city VARCHAR(100) NOT NULL DEFAULT '',
			temperature_celsius DOUBLE PRECISION NOT NULL DEFAULT 0,
			description VARCHAR(255) NOT NULL DEFAULT '',
			humidity INTEGER NOT NULL DEFAULT 0,
			wind_speed DOUBLE PRECISION NOT NULL DEFAULT 0,
			"timestamp" VARCHAR(32),
			created_at DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS weather_history_key_created_idx
			ON weather_history (cache_key, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate weather_history: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec model.WeatherRecord) error {
	rec = stamp(rec, s.opts.Now())

	query := `INSERT INTO weather_history (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		rec.CacheKey,
		rec.City,
		rec.TemperatureCelsius,
		rec.Description,
		rec.Humidity,
		rec.WindSpeed,
		rec.Timestamp,
		*rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert weather for %s: %w", rec.CacheKey, err)
	}
	return nil
}

func (s *PostgresStore) QueryHistory(ctx context.Context, city string, limit int, maxAgeHours *int) ([]model.WeatherRecord, error) {
	key := CacheKey(city)
	if key == "" || limit <= 0 {
		return []model.WeatherRecord{}, nil
	}

	var b strings.Builder
	args := []any{key}
	b.WriteString(`SELECT ` + recordColumns + ` FROM weather_history WHERE (cache_key = $1`)

	if s.opts.LegacyCityMatch {
		variants := legacyCityVariants(city)
		placeholders := make([]string, len(variants))
		for i, v := range variants {
			args = append(args, v)
			placeholders[i] = "$" + strconv.Itoa(len(args))
		}
		b.WriteString(` OR city IN (` + strings.Join(placeholders, ", ") + `)`)
	}
	b.WriteString(`)`)

	if c := cutoff(s.opts.Now(), maxAgeHours); c != nil {
		args = append(args, *c)
		b.WriteString(` AND created_at >= $` + strconv.Itoa(len(args)))
	}

	args = append(args, limit)
	b.WriteString(` ORDER BY created_at DESC NULLS LAST LIMIT $` + strconv.Itoa(len(args)))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query history for %s: %w", key, err)
	}
	defer rows.Close()

	records := []model.WeatherRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history for %s: %w", key, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history for %s: %w", key, err)
	}
	return records, nil
}

func (s *PostgresStore) QueryLatestByKey(ctx context.Context, cacheKey string) (*model.WeatherRecord, error) {
	if strings.TrimSpace(cacheKey) == "" {
		return nil, nil
	}

	query := `SELECT ` + recordColumns + ` FROM weather_history
		WHERE cache_key = $1
		ORDER BY created_at DESC NULLS LAST
		LIMIT 1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, cacheKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest for %s: %w", cacheKey, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.WeatherRecord, error) {
	var (
		rec       model.WeatherRecord
		cacheKey  sql.NullString
		timestamp sql.NullString
		createdAt sql.NullFloat64
	)
	err := row.Scan(
		&cacheKey,
		&rec.City,
		&rec.TemperatureCelsius,
		&rec.Description,
		&rec.Humidity,
		&rec.WindSpeed,
		&timestamp,
		&createdAt,
	)
	if err != nil {
		return model.WeatherRecord{}, err
	}

	rec.CacheKey = cacheKey.String
	rec.Timestamp = timestamp.String
	if createdAt.Valid {
		v := createdAt.Float64
		rec.CreatedAt = &v
	}
	return rec, nil
}
