// Package config wires the plant's two external resources — the Postgres
// pool and the Polygon adapter — from environment variables, generalizing
// conn.go's connect-with-retry idiom down to just what this core needs.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"barplant/internal/adapter"
)

// Resources bundles the connected dependencies a cmd/plant subcommand
// needs. Callers are responsible for calling Close when done.
type Resources struct {
	DB        *pgxpool.Pool
	Adapters  adapter.Registry
	Log       logrus.FieldLogger
}

// Close releases the pool.
func (r *Resources) Close() {
	if r.DB != nil {
		r.DB.Close()
	}
}

type dbConnResult struct {
	pool *pgxpool.Pool
	err  error
}

// Connect builds a Resources from the environment: DATABASE_URL (or the
// DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/POSTGRES_DB quintet) for the pool, and
// POLYGON_API_KEY for the adapter registry. It retries the initial pool
// connection for up to connectTimeout using the same channel-based retry
// loop as InitConn, generalized to a single resource.
func Connect(ctx context.Context, log logrus.FieldLogger, connectTimeout time.Duration) (*Resources, error) {
	dsn := dbDSN()

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	result := make(chan dbConnResult, 1)
	go func() {
		defer close(result)
		var lastErr error
		for {
			select {
			case <-connCtx.Done():
				result <- dbConnResult{nil, lastErr}
				return
			default:
				poolConfig, err := pgxpool.ParseConfig(dsn)
				if err != nil {
					result <- dbConnResult{nil, err}
					return
				}
				poolConfig.MaxConns = 20
				poolConfig.MinConns = 2
				poolConfig.MaxConnLifetime = 60 * time.Minute
				poolConfig.MaxConnIdleTime = 5 * time.Minute
				poolConfig.HealthCheckPeriod = 30 * time.Second
				poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

				pool, err := pgxpool.ConnectConfig(connCtx, poolConfig)
				if err != nil {
					lastErr = err
					log.WithError(err).Warn("db connect attempt failed, retrying")
					time.Sleep(time.Second)
					continue
				}
				result <- dbConnResult{pool, nil}
				return
			}
		}
	}()

	res := <-result
	if res.err != nil {
		return nil, fmt.Errorf("connect to database %q: %w", dsn, res.err)
	}
	if res.pool == nil {
		return nil, fmt.Errorf("connect to database %q: timed out after %s", dsn, connectTimeout)
	}

	polygonKey := getEnv("POLYGON_API_KEY", "")
	registry := adapter.NewRegistry(adapter.NewPolygonAdapter(polygonKey))

	return &Resources{DB: res.pool, Adapters: registry, Log: log}, nil
}

// dbDSN resolves DATABASE_URL directly, or assembles one from the
// DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/POSTGRES_DB quintet.
func dbDSN() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "")
	database := getEnv("POSTGRES_DB", "barplant")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, encode(password), host, port, database)
}

func encode(s string) string { return url.QueryEscape(s) }

// getEnv reads an environment variable with a fallback, the same helper
// shape as conn.go's.
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// NewLogger builds the logrus root logger every cmd/plant subcommand
// derives its field loggers from.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			log.SetLevel(parsed)
		}
	}
	return log
}
