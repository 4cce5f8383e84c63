// Package memory provides in-process list and template stores, used when no
// database is configured and by tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/pkg/errors"
)

// ListStore is a mutex-guarded term set.
type ListStore struct {
	mu     sync.RWMutex
	terms  map[string]struct{}
	limits storage.Limits
}

// NewListStore creates an empty list.
func NewListStore(limits storage.Limits) *ListStore {
	return &ListStore{terms: make(map[string]struct{}), limits: limits}
}

// All returns the sorted terms.
func (s *ListStore) All(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.terms))
	for t := range s.terms {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// Add inserts a term.
func (s *ListStore) Add(ctx context.Context, term string) error {
	term, err := s.limits.NormalizeTerm(term)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.terms[term]; ok {
		return errors.Conflict("entry")
	}
	if s.limits.MaxListEntries > 0 && len(s.terms) >= s.limits.MaxListEntries {
		return errors.LimitExceeded("list", s.limits.MaxListEntries)
	}
	s.terms[term] = struct{}{}
	return nil
}

// Remove deletes a term.
func (s *ListStore) Remove(ctx context.Context, term string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.terms[term]; !ok {
		return errors.NotFound("entry")
	}
	delete(s.terms, term)
	return nil
}

// Replace swaps the whole list.
func (s *ListStore) Replace(ctx context.Context, terms []string) error {
	normalized, err := s.limits.NormalizeTerms(terms)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(normalized))
	for _, t := range normalized {
		next[t] = struct{}{}
	}

	s.mu.Lock()
	s.terms = next
	s.mu.Unlock()
	return nil
}

// TemplateStore keeps templates in a map.
type TemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*models.Template
	limits    storage.Limits
	now       func() time.Time
}

// NewTemplateStore creates an empty template store.
func NewTemplateStore(limits storage.Limits) *TemplateStore {
	return &TemplateStore{
		templates: make(map[string]*models.Template),
		limits:    limits,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Get returns a copy of the template, or nil when absent.
func (s *TemplateStore) Get(ctx context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return clone(t), nil
}

// List returns copies of all templates.
func (s *TemplateStore) List(ctx context.Context) (map[string]*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*models.Template, len(s.templates))
	for id, t := range s.templates {
		out[id] = clone(t)
	}
	return out, nil
}

// Save inserts or updates a template.
func (s *TemplateStore) Save(ctx context.Context, id string, t *models.Template) error {
	if err := storage.ValidateTemplateID(id); err != nil {
		return err
	}
	if err := t.Validate(); err != nil {
		return errors.InvalidInput("invalid template").WithDetails(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok && s.full(1) {
		return errors.LimitExceeded("template", s.limits.MaxTemplates)
	}
	s.put(id, t)
	return nil
}

// Delete removes a template.
func (s *TemplateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[id]; !ok {
		return errors.NotFound("template")
	}
	delete(s.templates, id)
	return nil
}

// Import saves all templates, or none if any is invalid or the limit
// would be exceeded.
func (s *TemplateStore) Import(ctx context.Context, templates map[string]*models.Template) error {
	for id, t := range templates {
		if err := storage.ValidateTemplateID(id); err != nil {
			return err
		}
		if err := t.Validate(); err != nil {
			return errors.InvalidInput("invalid template").WithDetails(id + ": " + err.Error())
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for id := range templates {
		if _, ok := s.templates[id]; !ok {
			added++
		}
	}
	if s.full(added) {
		return errors.LimitExceeded("template", s.limits.MaxTemplates)
	}
	for id, t := range templates {
		s.put(id, t)
	}
	return nil
}

func (s *TemplateStore) full(adding int) bool {
	return s.limits.MaxTemplates > 0 && len(s.templates)+adding > s.limits.MaxTemplates
}

// put stores a copy of t. Callers hold the write lock.
func (s *TemplateStore) put(id string, t *models.Template) {
	now := s.now()
	stored := clone(t)
	if prev, ok := s.templates[id]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.templates[id] = stored
	t.CreatedAt, t.UpdatedAt = stored.CreatedAt, stored.UpdatedAt
}

func clone(t *models.Template) *models.Template {
	cp := *t
	if t.MechanismsByTag != nil {
		cp.MechanismsByTag = make(map[string]models.Mechanism, len(t.MechanismsByTag))
		for k, v := range t.MechanismsByTag {
			cp.MechanismsByTag[k] = v
		}
	}
	return &cp
}
