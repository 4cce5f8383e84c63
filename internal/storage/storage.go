// Package storage defines the persistence contracts for the user term lists
// and mechanism templates, and the limits every backend enforces.
package storage

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/errors"
)

// List kinds as stored by every backend.
const (
	KindBlacklist = "blacklist"
	KindWhitelist = "whitelist"
)

// Limits bounds the stored collections.
type Limits struct {
	MaxListEntries int `yaml:"max_list_entries"`
	MaxEntryLength int `yaml:"max_entry_length"`
	MaxTemplates   int `yaml:"max_templates"`
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxListEntries: 10000,
		MaxEntryLength: 500,
		MaxTemplates:   1000,
	}
}

// ListStore persists one term list.
type ListStore interface {
	// All returns a sorted snapshot of the list.
	All(ctx context.Context) ([]string, error)
	// Add inserts a term. Duplicates fail with CONFLICT, a full list with
	// LIMIT_EXCEEDED.
	Add(ctx context.Context, term string) error
	// Remove deletes a term. A missing term fails with NOT_FOUND.
	Remove(ctx context.Context, term string) error
	// Replace swaps the whole list for terms.
	Replace(ctx context.Context, terms []string) error
}

// TemplateStore persists mechanism templates by id.
type TemplateStore interface {
	// Get returns nil, nil when id is unknown.
	Get(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context) (map[string]*models.Template, error)
	// Save inserts or updates a template and sets its timestamps.
	Save(ctx context.Context, id string, t *models.Template) error
	// Delete removes a template. A missing id fails with NOT_FOUND.
	Delete(ctx context.Context, id string) error
	// Import saves all templates or none.
	Import(ctx context.Context, templates map[string]*models.Template) error
}

// NormalizeTerm trims a term and checks it against the limits.
func (l Limits) NormalizeTerm(term string) (string, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return "", errors.InvalidInput("entry must not be empty")
	}
	if l.MaxEntryLength > 0 && utf8.RuneCountInString(term) > l.MaxEntryLength {
		return "", errors.Newf(errors.CodeInvalidInput, "entry must be at most %d characters", l.MaxEntryLength)
	}
	return term, nil
}

// NormalizeTerms normalizes and de-duplicates terms, keeping first
// occurrence order, and enforces the list size limit.
func (l Limits) NormalizeTerms(terms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		n, err := l.NormalizeTerm(t)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	if l.MaxListEntries > 0 && len(out) > l.MaxListEntries {
		return nil, errors.LimitExceeded("list", l.MaxListEntries)
	}
	return out, nil
}

// ValidateTemplateID checks a template id.
func ValidateTemplateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.InvalidInput("template id must not be empty")
	}
	if utf8.RuneCountInString(id) > 200 {
		return errors.InvalidInput("template id must be at most 200 characters")
	}
	return nil
}
