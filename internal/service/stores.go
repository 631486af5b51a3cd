package service

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/steward/internal/config"
	"github.com/rendis/steward/internal/store"
	"github.com/rendis/steward/pkg/schema"
)

// stores groups the persistence roles one configured backend plays.
type stores struct {
	runs     store.RunStore
	audit    store.AuditSink
	requests store.RequestStore
	traces   store.TraceSink
	// sql is set for the libsql driver, which also serves run listings.
	sql    *store.LibSQLStore
	closer func() error
}

// openStores builds the backend named by cfg.Driver. Redis has no audit
// trail of its own, so audit records stay on the file store.
func openStores(ctx context.Context, cfg config.StoreConfig) (*stores, error) {
	switch cfg.Driver {
	case config.DriverFile, "":
		fs := store.NewFileStore(cfg.RunsDir, cfg.PolicyDir)
		return &stores{runs: fs, audit: fs, requests: fs, traces: fs, closer: func() error { return nil }}, nil

	case config.DriverLibSQL:
		db, err := store.NewLibSQLStore(cfg.LibSQLPath)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return &stores{runs: db, audit: db, requests: db, traces: store.NewTraceLog(db), sql: db, closer: db.Close}, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStore, "connect redis %s: %s", cfg.RedisAddr, err.Error()).WithCause(err)
		}
		var opts []store.RedisOption
		if cfg.RedisPrefix != "" {
			opts = append(opts, store.WithPrefix(cfg.RedisPrefix))
		}
		rs := store.NewRedisStore(client, opts...)
		fs := store.NewFileStore(cfg.RunsDir, cfg.PolicyDir)
		return &stores{runs: rs, audit: fs, requests: rs, traces: rs, closer: client.Close}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown store driver %q", cfg.Driver)
	}
}

func (s *stores) close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	err := s.closer()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
