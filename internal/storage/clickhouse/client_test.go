package clickhouse

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/openredact/clinical/internal/models"
)

func TestCounts(t *testing.T) {
	got := counts(map[string]int{"PERSON": 2, "DATE": 1})
	if got["PERSON"] != 2 || got["DATE"] != 1 || len(got) != 2 {
		t.Errorf("counts() = %v", got)
	}
}

func TestRecordAndStats(t *testing.T) {
	addr := os.Getenv("REDACT_TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("REDACT_TEST_CLICKHOUSE_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("invalid REDACT_TEST_CLICKHOUSE_ADDR: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig()
	config.Host, config.Port, config.Database = host, port, "default"
	c, err := NewClient(config, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	since := time.Now().UTC().Add(-time.Second)
	before, err := c.GetStats(ctx, since)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}

	ev := &models.AuditEvent{
		RequestID:          uuid.NewString(),
		Channel:            "test",
		Timestamp:          time.Now().UTC(),
		EntitiesFound:      3,
		EntitiesAnonymized: 3,
		Labels:             map[string]int{"PERSON": 2, "DATE": 1},
		Mechanisms:         map[string]int{"redact": 3},
	}
	if err := c.Record(ctx, ev); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	after, err := c.GetStats(ctx, since)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if after.Requests != before.Requests+1 {
		t.Errorf("requests = %d, want %d", after.Requests, before.Requests+1)
	}
	if after.ByLabel["PERSON"] < 2 {
		t.Errorf("PERSON count = %d, want at least 2", after.ByLabel["PERSON"])
	}
}
