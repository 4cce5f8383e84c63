// Package clickhouse stores anonymization audit events in ClickHouse. Events
// carry counts only, never source text or replacements.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/logger"
)

// Config holds ClickHouse connection configuration.
type Config struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Database      string `yaml:"database"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	RetentionDays int    `yaml:"retention_days"`
	Debug         bool   `yaml:"debug"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Host:          "localhost",
		Port:          9000,
		Database:      "anonymizer",
		Username:      "default",
		RetentionDays: 365,
	}
}

// Client wraps a ClickHouse connection.
type Client struct {
	conn   driver.Conn
	config Config
	logger *zap.Logger
}

// NewClient connects and pings ClickHouse.
func NewClient(config Config, log *zap.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", config.Host, config.Port)},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		Debug:           config.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Client{
		conn:   conn,
		config: config,
		logger: logger.OrNop(log),
	}, nil
}

// InitSchema creates the required tables.
func (c *Client) InitSchema(ctx context.Context) error {
	retention := c.config.RetentionDays
	if retention <= 0 {
		retention = DefaultConfig().RetentionDays
	}

	eventsTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS anonymization_events (
			request_id UUID,
			timestamp DateTime64(3),
			template_id String,
			channel LowCardinality(String),
			entities_found UInt32,
			entities_anonymized UInt32,
			labels Map(String, UInt32),
			mechanisms Map(String, UInt32)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (channel, template_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL %d DAY
	`, retention)
	if err := c.conn.Exec(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create anonymization_events table: %w", err)
	}

	c.logger.Info("ClickHouse schema initialized")
	return nil
}

const insertEvent = `
	INSERT INTO anonymization_events
		(request_id, timestamp, template_id, channel, entities_found, entities_anonymized, labels, mechanisms)
`

func counts(m map[string]int) map[string]uint32 {
	out := make(map[string]uint32, len(m))
	for k, v := range m {
		out[k] = uint32(v)
	}
	return out
}

// Record inserts one audit event.
func (c *Client) Record(ctx context.Context, ev *models.AuditEvent) error {
	return c.RecordBatch(ctx, []*models.AuditEvent{ev})
}

// RecordBatch inserts audit events in one batch.
func (c *Client) RecordBatch(ctx context.Context, events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, insertEvent)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, ev := range events {
		if err := batch.Append(
			ev.RequestID,
			ev.Timestamp,
			ev.TemplateID,
			ev.Channel,
			uint32(ev.EntitiesFound),
			uint32(ev.EntitiesAnonymized),
			counts(ev.Labels),
			counts(ev.Mechanisms),
		); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	return batch.Send()
}

// GetStats aggregates events newer than since.
func (c *Client) GetStats(ctx context.Context, since time.Time) (*models.AuditStats, error) {
	stats := &models.AuditStats{
		ByLabel: make(map[string]uint64),
		Period:  since.UTC().Format(time.RFC3339) + "/now",
	}

	row := c.conn.QueryRow(ctx, `
		SELECT
			count() AS requests,
			sum(entities_found) AS found,
			sum(entities_anonymized) AS anonymized
		FROM anonymization_events
		WHERE timestamp >= ?
	`, since)
	if err := row.Scan(&stats.Requests, &stats.EntitiesFound, &stats.EntitiesAnonymized); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	rows, err := c.conn.Query(ctx, `
		SELECT label, sum(n) AS total
		FROM anonymization_events
		ARRAY JOIN mapKeys(labels) AS label, mapValues(labels) AS n
		WHERE timestamp >= ?
		GROUP BY label
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query label stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			label string
			total uint64
		)
		if err := rows.Scan(&label, &total); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		stats.ByLabel[label] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query label stats: %w", err)
	}

	return stats, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
