package pii

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/errors"
	"github.com/openredact/clinical/pkg/logger"
)

// EntitySource is a named-entity recognizer. Returned spans must be byte
// offsets into text.
type EntitySource interface {
	Name() string
	FindEntities(ctx context.Context, text string) ([]models.Entity, error)
}

// ResolverConfig wires the collaborators of a Resolver.
type ResolverConfig struct {
	Detector  *Detector
	Sources   []EntitySource
	Blocklist ListSource
	Allowlist ListSource
	Logger    *zap.Logger
}

// Resolver merges block-list, regex and NER candidates into one
// non-overlapping entity set.
type Resolver struct {
	detector  *Detector
	sources   []EntitySource
	blocklist ListSource
	allowlist ListSource
	blocks    *blocklistCache
	logger    *zap.Logger
}

// NewResolver creates a Resolver. A nil detector runs the default pattern
// families; nil lists behave as empty.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	d := config.Detector
	if d == nil {
		var err error
		if d, err = NewDetector(DefaultDetectorConfig()); err != nil {
			return nil, err
		}
	}
	return &Resolver{
		detector:  d,
		sources:   config.Sources,
		blocklist: config.Blocklist,
		allowlist: config.Allowlist,
		blocks:    &blocklistCache{},
		logger:    logger.OrNop(config.Logger),
	}, nil
}

// Primary returns a Resolver that consults only the first NER source.
func (r *Resolver) Primary() *Resolver {
	cp := *r
	if len(cp.sources) > 1 {
		cp.sources = cp.sources[:1]
	}
	return &cp
}

// Sources returns the names of the configured NER sources.
func (r *Resolver) Sources() []string {
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name()
	}
	return names
}

// FindAllEntities detects and resolves all PII in text. Both lists are read
// once per call. Every returned entity carries its allow-list flag.
func (r *Resolver) FindAllEntities(ctx context.Context, text string) ([]models.Entity, error) {
	entities, _, err := r.Find(ctx, text)
	return entities, err
}

// Find is FindAllEntities that also returns the allow-list snapshot the
// entities were flagged against.
func (r *Resolver) Find(ctx context.Context, text string) ([]models.Entity, *Allowlist, error) {
	blockTerms, err := snapshot(ctx, r.blocklist)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load blacklist")
	}
	allowTerms, err := snapshot(ctx, r.allowlist)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load whitelist")
	}

	candidates := r.blocks.get(blockTerms).Find(text)
	candidates = append(candidates, r.detector.FindAll(text)...)

	for _, src := range r.sources {
		found, err := src.FindEntities(ctx, text)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeUnavailable, fmt.Sprintf("ner source %s failed", src.Name()))
		}
		for _, e := range found {
			if err := e.Validate(text); err != nil {
				r.logger.Warn("dropping invalid ner entity",
					zap.String("source", src.Name()),
					zap.Error(err),
				)
				continue
			}
			candidates = append(candidates, e)
		}
	}

	allow := NewAllowlist(allowTerms)
	resolved := Resolve(candidates, allow)

	r.logger.Debug("entities resolved",
		zap.Int("candidates", len(candidates)),
		zap.Int("resolved", len(resolved)),
		zap.Int("blacklist_terms", len(blockTerms)),
		zap.Int("whitelist_terms", len(allowTerms)),
	)
	return resolved, allow, nil
}

// blocklistCache keeps the compiled block-list until its snapshot changes.
type blocklistCache struct {
	mu    sync.Mutex
	terms []string
	list  *Blocklist
}

func (c *blocklistCache) get(terms []string) *Blocklist {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.list == nil || !slices.Equal(c.terms, terms) {
		c.terms = slices.Clone(terms)
		c.list = NewBlocklist(terms)
	}
	return c.list
}

func snapshot(ctx context.Context, src ListSource) ([]string, error) {
	if src == nil {
		return nil, nil
	}
	return src.All(ctx)
}

// Resolve orders candidates by priority and keeps each one that does not
// overlap an already kept entity. Priority is block-list first, then
// earlier start, then longer span; remaining ties keep input order.
// Non-block-list entities are flagged when allow matches their text.
func Resolve(candidates []models.Entity, allow *Allowlist) []models.Entity {
	sorted := make([]models.Entity, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := &sorted[i], &sorted[j]
		ab, bb := a.Source == models.SourceBlacklist, b.Source == models.SourceBlacklist
		if ab != bb {
			return ab
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.Len() > b.Len()
	})

	var taken spans
	out := make([]models.Entity, 0, len(sorted))
	for _, e := range sorted {
		if !taken.insert(e.Start, e.End) {
			continue
		}
		e.Whitelisted = e.Source != models.SourceBlacklist && allow != nil && allow.Contains(e.Text)
		out = append(out, e)
	}
	return out
}

type span struct{ start, end int }

// spans is a start-ordered set of disjoint half-open intervals.
type spans []span

// insert adds [start, end) unless it overlaps a member.
func (s *spans) insert(start, end int) bool {
	set := *s
	i := sort.Search(len(set), func(i int) bool { return set[i].end > start })
	if i < len(set) && set[i].start < end {
		return false
	}
	set = append(set, span{})
	copy(set[i+1:], set[i:])
	set[i] = span{start, end}
	*s = set
	return true
}
