package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/xaenox/mention-bridge/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

const defaultQueryTimeout = 2 * time.Second

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c DatabaseConfig) connString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// OpenPostgres connects to PostgreSQL and applies the cache schema.
func OpenPostgres(config DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", config.connString())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return db, nil
}

func initializeSchema(db *sql.DB) error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

// NewPostgresCache builds a ConversationCache whose stores are rows of the
// bridge_cache table. Closing the cache closes db.
func NewPostgresCache(db *sql.DB, cfg TTLConfig, clock clockwork.Clock, logger *zap.Logger) *ConversationCache {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stores := Stores{
		Sessions:           newPostgresStore[models.ConversationSession](db, "session", cfg.ConversationTTL, clock, logger),
		LatestTweets:       newPostgresStore[models.Tweet](db, "latest_tweet", cfg.ConversationTTL, clock, logger),
		RootTweets:         newPostgresStore[models.Tweet](db, "root_tweet", cfg.ConversationTTL, clock, logger),
		TweetConversations: newPostgresStore[string](db, "tweet_conversation", cfg.ConversationTTL, clock, logger),
		WaitingUsers:       newPostgresStore[models.UserIdentifier](db, "waiting_user", cfg.ReplyTTL, clock, logger),
		PendingReplies:     newPostgresStore[models.Activity](db, "pending_reply", cfg.ReplyTTL, clock, logger),
	}
	cache := NewConversationCache(stores, clock, logger)
	cache.closer = db.Close
	return cache
}

type postgresStore[V any] struct {
	db     *sql.DB
	kind   string
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

func newPostgresStore[V any](db *sql.DB, kind string, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *postgresStore[V] {
	return &postgresStore[V]{
		db:     db,
		kind:   kind,
		ttl:    ttl,
		clock:  clock,
		logger: logger.With(zap.String("store", kind)),
	}
}

// staleBefore is the created_at at or before which a row has expired.
func (s *postgresStore[V]) staleBefore() time.Time {
	return s.clock.Now().Add(-s.ttl)
}

func (s *postgresStore[V]) Put(key models.CorrelationKey, value V) bool {
	query := `
		INSERT INTO bridge_cache (kind, id, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO UPDATE
		SET value = EXCLUDED.value, created_at = EXCLUDED.created_at
		WHERE bridge_cache.created_at <= $5`
	return s.write(query, key, value, s.staleBefore())
}

func (s *postgresStore[V]) Upsert(key models.CorrelationKey, value V) bool {
	query := `
		INSERT INTO bridge_cache (kind, id, value, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, id) DO UPDATE
		SET value = EXCLUDED.value, created_at = EXCLUDED.created_at`
	return s.write(query, key, value)
}

func (s *postgresStore[V]) Update(id string, value V) bool {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to encode cache value", zap.Error(err), zap.String("id", id))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	query := `
		UPDATE bridge_cache
		SET value = $3
		WHERE kind = $1 AND id = $2 AND created_at > $4`

	result, err := s.db.ExecContext(ctx, query, s.kind, id, string(data), s.staleBefore())
	if err != nil {
		s.logger.Error("Failed to update cache entry", zap.Error(err), zap.String("id", id))
		return false
	}

	rows, err := result.RowsAffected()
	if err != nil {
		s.logger.Error("Failed to get rows affected", zap.Error(err), zap.String("id", id))
		return false
	}
	return rows > 0
}

func (s *postgresStore[V]) write(query string, key models.CorrelationKey, value V, extra ...any) bool {
	if key.ID == "" {
		return false
	}

	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("Failed to encode cache value", zap.Error(err), zap.String("id", key.ID))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	args := append([]any{s.kind, key.ID, string(data), key.CreatedAt}, extra...)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to write cache entry", zap.Error(err), zap.String("id", key.ID))
		return false
	}

	rows, err := result.RowsAffected()
	if err != nil {
		s.logger.Error("Failed to get rows affected", zap.Error(err), zap.String("id", key.ID))
		return false
	}
	return rows > 0
}

func (s *postgresStore[V]) Get(id string) (V, bool) {
	var zero V

	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	query := `
		SELECT value
		FROM bridge_cache
		WHERE kind = $1 AND id = $2 AND created_at > $3`

	var data []byte
	err := s.db.QueryRowContext(ctx, query, s.kind, id, s.staleBefore()).Scan(&data)
	if err == sql.ErrNoRows {
		return zero, false
	}
	if err != nil {
		s.logger.Error("Failed to read cache entry", zap.Error(err), zap.String("id", id))
		return zero, false
	}

	var value V
	if err := json.Unmarshal(data, &value); err != nil {
		s.logger.Error("Failed to decode cache value", zap.Error(err), zap.String("id", id))
		return zero, false
	}
	return value, true
}

func (s *postgresStore[V]) Remove(id string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM bridge_cache WHERE kind = $1 AND id = $2`, s.kind, id)
	if err != nil {
		s.logger.Error("Failed to delete cache entry", zap.Error(err), zap.String("id", id))
		return false
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rows > 0
}

func (s *postgresStore[V]) Values() []V {
	ctx, cancel := context.WithTimeout(context.Background(), defaultQueryTimeout)
	defer cancel()

	staleBefore := s.staleBefore()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM bridge_cache WHERE kind = $1 AND created_at <= $2`, s.kind, staleBefore); err != nil {
		s.logger.Warn("Failed to sweep expired cache entries", zap.Error(err))
	}

	query := `
		SELECT value
		FROM bridge_cache
		WHERE kind = $1 AND created_at > $2
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, s.kind, staleBefore)
	if err != nil {
		s.logger.Error("Failed to list cache entries", zap.Error(err))
		return []V{}
	}
	defer rows.Close()

	values := []V{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			s.logger.Error("Failed to scan cache entry", zap.Error(err))
			continue
		}
		var value V
		if err := json.Unmarshal(data, &value); err != nil {
			s.logger.Error("Failed to decode cache value", zap.Error(err))
			continue
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("Failed to iterate cache entries", zap.Error(err))
	}

	return values
}
