package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/pkg/errors"
)

// TemplateStore persists templates in the templates table.
type TemplateStore struct {
	client *Client
}

// Templates returns the template store.
func (c *Client) Templates() *TemplateStore {
	return &TemplateStore{client: c}
}

var _ storage.TemplateStore = (*TemplateStore)(nil)

const upsertTemplate = `
	INSERT INTO templates (id, name, description, default_mechanism, mechanisms_by_tag)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		default_mechanism = EXCLUDED.default_mechanism,
		mechanisms_by_tag = EXCLUDED.mechanisms_by_tag,
		updated_at = NOW()
	RETURNING created_at, updated_at
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTemplate(row scanner) (string, *models.Template, error) {
	var (
		id            string
		t             models.Template
		defaultMech   []byte
		mechanismsTag []byte
	)
	if err := row.Scan(&id, &t.Name, &t.Description, &defaultMech, &mechanismsTag, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return "", nil, err
	}
	if err := json.Unmarshal(defaultMech, &t.DefaultMechanism); err != nil {
		return "", nil, fmt.Errorf("failed to decode default_mechanism of %s: %w", id, err)
	}
	if err := json.Unmarshal(mechanismsTag, &t.MechanismsByTag); err != nil {
		return "", nil, fmt.Errorf("failed to decode mechanisms_by_tag of %s: %w", id, err)
	}
	return id, &t, nil
}

func encodeMechanisms(t *models.Template) ([]byte, []byte, error) {
	def, err := json.Marshal(t.DefaultMechanism)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode default_mechanism: %w", err)
	}
	byTag := t.MechanismsByTag
	if byTag == nil {
		byTag = map[string]models.Mechanism{}
	}
	tags, err := json.Marshal(byTag)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode mechanisms_by_tag: %w", err)
	}
	return def, tags, nil
}

const selectTemplate = `
	SELECT id, name, description, default_mechanism, mechanisms_by_tag, created_at, updated_at
	FROM templates
`

// Get retrieves a template by id.
func (s *TemplateStore) Get(ctx context.Context, id string) (*models.Template, error) {
	_, t, err := scanTemplate(s.client.pool.QueryRow(ctx, selectTemplate+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// List retrieves all templates.
func (s *TemplateStore) List(ctx context.Context) (map[string]*models.Template, error) {
	rows, err := s.client.pool.Query(ctx, selectTemplate+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*models.Template)
	for rows.Next() {
		id, t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		out[id] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return out, nil
}

func (s *TemplateStore) checkLimit(ctx context.Context, tx pgx.Tx, ids []string) error {
	limit := s.client.limits.MaxTemplates
	if limit <= 0 {
		return nil
	}
	var total, existing int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE id = ANY($1)) FROM templates`, ids,
	).Scan(&total, &existing)
	if err != nil {
		return fmt.Errorf("failed to count templates: %w", err)
	}
	if total+len(ids)-existing > limit {
		return errors.LimitExceeded("template", limit)
	}
	return nil
}

// Save inserts or updates a template.
func (s *TemplateStore) Save(ctx context.Context, id string, t *models.Template) error {
	return s.Import(ctx, map[string]*models.Template{id: t})
}

// Delete removes a template.
func (s *TemplateStore) Delete(ctx context.Context, id string) error {
	tag, err := s.client.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("template")
	}
	return nil
}

// Import upserts all templates in one transaction.
func (s *TemplateStore) Import(ctx context.Context, templates map[string]*models.Template) error {
	ids := make([]string, 0, len(templates))
	for id, t := range templates {
		if err := storage.ValidateTemplateID(id); err != nil {
			return err
		}
		if err := t.Validate(); err != nil {
			return errors.InvalidInput("invalid template").WithDetails(id + ": " + err.Error())
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `LOCK TABLE templates IN SHARE ROW EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock templates: %w", err)
	}
	if err := s.checkLimit(ctx, tx, ids); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, id := range ids {
		t := templates[id]
		def, tags, err := encodeMechanisms(t)
		if err != nil {
			return err
		}
		batch.Queue(upsertTemplate, id, t.Name, t.Description, def, tags).QueryRow(func(row pgx.Row) error {
			return row.Scan(&t.CreatedAt, &t.UpdatedAt)
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save templates: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit templates: %w", err)
	}
	return nil
}
