// Package postgres persists term lists and mechanism templates in
// PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/pkg/logger"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	// DSN, when set, replaces the individual connection fields.
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		Database: "anonymizer",
		Username: "postgres",
		Password: "postgres",
		SSLMode:  "disable",
		MaxConns: 10,
	}
}

func (c Config) connString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Client wraps a PostgreSQL connection pool.
type Client struct {
	pool   *pgxpool.Pool
	limits storage.Limits
	logger *zap.Logger
}

// NewClient connects and pings PostgreSQL.
func NewClient(ctx context.Context, config Config, limits storage.Limits, log *zap.Logger) (*Client, error) {
	poolConfig, err := pgxpool.ParseConfig(config.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = int32(config.MaxConns)
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &Client{
		pool:   pool,
		limits: limits,
		logger: logger.OrNop(log),
	}, nil
}

// InitSchema creates the required tables.
func (c *Client) InitSchema(ctx context.Context) error {
	listTable := `
		CREATE TABLE IF NOT EXISTS list_entries (
			kind TEXT NOT NULL,
			term TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			PRIMARY KEY (kind, term)
		);
	`
	if _, err := c.pool.Exec(ctx, listTable); err != nil {
		return fmt.Errorf("failed to create list_entries table: %w", err)
	}

	templatesTable := `
		CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			default_mechanism JSONB NOT NULL,
			mechanisms_by_tag JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_templates_updated_at ON templates(updated_at);
	`
	if _, err := c.pool.Exec(ctx, templatesTable); err != nil {
		return fmt.Errorf("failed to create templates table: %w", err)
	}

	c.logger.Info("PostgreSQL schema initialized")
	return nil
}

// Close closes the connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}
