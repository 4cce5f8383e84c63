package pii

import (
	"context"
	"regexp"
	"strings"

	"github.com/openredact/clinical/internal/models"
)

// ListSource yields a snapshot of a user-maintained term list.
type ListSource interface {
	All(ctx context.Context) ([]string, error)
}

// Blocklist finds every occurrence of user-supplied terms, ignoring case.
type Blocklist struct {
	matchers []*regexp.Regexp
}

// NewBlocklist compiles one case-insensitive literal matcher per term.
// Empty terms are skipped.
func NewBlocklist(terms []string) *Blocklist {
	b := &Blocklist{matchers: make([]*regexp.Regexp, 0, len(terms))}
	seen := make(map[string]struct{}, len(terms))
	for _, term := range terms {
		if term == "" {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		b.matchers = append(b.matchers, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(term)))
	}
	return b
}

// Len returns the number of distinct terms.
func (b *Blocklist) Len() int {
	return len(b.matchers)
}

// Find returns one BLACKLISTED entity per occurrence of each term. The
// entity text is the span as written in text, not the term.
func (b *Blocklist) Find(text string) []models.Entity {
	var out []models.Entity
	for _, re := range b.matchers {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			out = append(out, models.Entity{
				Text:   text[loc[0]:loc[1]],
				Start:  loc[0],
				End:    loc[1],
				Label:  models.LabelBlacklisted,
				Source: models.SourceBlacklist,
			})
		}
	}
	return out
}

// Allowlist decides whether detected text is a known non-PII term.
type Allowlist struct {
	exact map[string]struct{}
	terms []string
}

// NewAllowlist builds an allow-list from terms. Empty terms are skipped so
// they cannot match every entity as a substring.
func NewAllowlist(terms []string) *Allowlist {
	a := &Allowlist{exact: make(map[string]struct{}, len(terms))}
	for _, term := range terms {
		if term == "" {
			continue
		}
		if _, ok := a.exact[term]; ok {
			continue
		}
		a.exact[term] = struct{}{}
		a.terms = append(a.terms, term)
	}
	return a
}

// Len returns the number of distinct terms.
func (a *Allowlist) Len() int {
	return len(a.terms)
}

// Contains reports whether entity text is allowed. It matches, in order,
// the whole text, any whitespace-separated token of it, or any term
// occurring inside it. Matching is case-sensitive.
func (a *Allowlist) Contains(text string) bool {
	if len(a.terms) == 0 {
		return false
	}
	if _, ok := a.exact[text]; ok {
		return true
	}
	for _, token := range strings.Fields(text) {
		if _, ok := a.exact[token]; ok {
			return true
		}
	}
	for _, term := range a.terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// Set returns the terms as a lookup set for literal exclusion.
func (a *Allowlist) Set() map[string]struct{} {
	out := make(map[string]struct{}, len(a.exact))
	for term := range a.exact {
		out[term] = struct{}{}
	}
	return out
}
