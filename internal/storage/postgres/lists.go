package postgres

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/pkg/errors"
)

// ListStore is one term list, selected by kind, in the list_entries table.
type ListStore struct {
	client *Client
	kind   string
}

// Lists returns the store for kind.
func (c *Client) Lists(kind string) *ListStore {
	return &ListStore{client: c, kind: kind}
}

var _ storage.ListStore = (*ListStore)(nil)

// All returns the sorted terms.
func (s *ListStore) All(ctx context.Context) ([]string, error) {
	rows, err := s.client.pool.Query(ctx, `SELECT term FROM list_entries WHERE kind = $1 ORDER BY term`, s.kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.kind, err)
	}
	terms, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", s.kind, err)
	}
	return terms, nil
}

func (s *ListStore) maxEntries() int64 {
	if s.client.limits.MaxListEntries <= 0 {
		return math.MaxInt64
	}
	return int64(s.client.limits.MaxListEntries)
}

// Add inserts a term unless it exists or the list is full.
func (s *ListStore) Add(ctx context.Context, term string) error {
	term, err := s.client.limits.NormalizeTerm(term)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO list_entries (kind, term)
		SELECT $1, $2
		WHERE (SELECT COUNT(*) FROM list_entries WHERE kind = $1) < $3
		ON CONFLICT (kind, term) DO NOTHING
	`
	tag, err := s.client.pool.Exec(ctx, query, s.kind, term, s.maxEntries())
	if err != nil {
		return fmt.Errorf("failed to add %s entry: %w", s.kind, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.client.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM list_entries WHERE kind = $1 AND term = $2)`, s.kind, term,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s entry: %w", s.kind, err)
	}
	if exists {
		return errors.Conflict("entry")
	}
	return errors.LimitExceeded(s.kind, s.client.limits.MaxListEntries)
}

// Remove deletes a term.
func (s *ListStore) Remove(ctx context.Context, term string) error {
	tag, err := s.client.pool.Exec(ctx, `DELETE FROM list_entries WHERE kind = $1 AND term = $2`, s.kind, term)
	if err != nil {
		return fmt.Errorf("failed to remove %s entry: %w", s.kind, err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("entry")
	}
	return nil
}

// Replace swaps the whole list in one transaction.
func (s *ListStore) Replace(ctx context.Context, terms []string) error {
	normalized, err := s.client.limits.NormalizeTerms(terms)
	if err != nil {
		return err
	}

	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM list_entries WHERE kind = $1`, s.kind); err != nil {
		return fmt.Errorf("failed to clear %s: %w", s.kind, err)
	}

	rows := make([][]interface{}, len(normalized))
	for i, t := range normalized {
		rows[i] = []interface{}{s.kind, t}
	}
	copied, err := tx.CopyFrom(ctx, pgx.Identifier{"list_entries"}, []string{"kind", "term"}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", s.kind, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s: %w", s.kind, err)
	}

	s.client.logger.Info("list replaced", zap.String("kind", s.kind), zap.Int64("entries", copied))
	return nil
}
