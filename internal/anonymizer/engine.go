// Package anonymizer rewrites resolved PII entities with configurable
// mechanisms: redact, replace, hash, partial, mask and date shift.
package anonymizer

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/errors"
	"github.com/openredact/clinical/pkg/logger"
)

// Engine applies mechanisms to entities. It holds no per-call state and is
// safe for concurrent use.
type Engine struct {
	logger *zap.Logger
}

// New creates an Engine.
func New(log *zap.Logger) *Engine {
	return &Engine{logger: logger.OrNop(log)}
}

// Anonymize replaces every entity of text using the mechanism configured
// for its label. Entities whose text is in exclude are left untouched,
// unless they come from the block-list. Entities must be valid spans of
// text and must not overlap once excluded ones are removed.
//
// Replacements are spliced from the rightmost entity to the leftmost so
// earlier offsets stay valid. Result.Replacements is in that order.
func (e *Engine) Anonymize(text string, entities []models.Entity, config models.MechanismConfig, exclude map[string]struct{}) (*models.Result, error) {
	for i := range entities {
		if err := entities[i].Validate(text); err != nil {
			return nil, errors.InvalidInput("invalid entity").WithDetails(fmt.Sprintf("entity %d: %v", i, err))
		}
	}

	kept := make([]models.Entity, 0, len(entities))
	for _, ent := range entities {
		if _, ok := exclude[ent.Text]; ok && ent.Source != models.SourceBlacklist {
			continue
		}
		kept = append(kept, ent)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Start > kept[j].Start
	})
	for i := 1; i < len(kept); i++ {
		if kept[i].End > kept[i-1].Start {
			return nil, errors.InvalidInput("overlapping entities").WithDetails(
				fmt.Sprintf("[%d,%d) overlaps [%d,%d)", kept[i].Start, kept[i].End, kept[i-1].Start, kept[i-1].End))
		}
	}

	out := text
	replacements := make([]models.Replacement, 0, len(kept))
	for i := range kept {
		ent := &kept[i]
		replacement, used := e.apply(ent, config.For(ent.Label))
		out = splice(out, ent.Start, ent.End, replacement)
		replacements = append(replacements, models.Replacement{
			Original:    ent.Text,
			Replacement: replacement,
			Start:       ent.Start,
			End:         ent.End,
			Label:       ent.Label,
			Mechanism:   used,
		})
	}

	e.logger.Debug("text anonymized",
		zap.Int("entities", len(entities)),
		zap.Int("excluded", len(entities)-len(kept)),
		zap.Int("replacements", len(replacements)),
	)

	return &models.Result{
		OriginalText:       text,
		AnonymizedText:     out,
		EntitiesFound:      len(kept),
		EntitiesAnonymized: len(replacements),
		Replacements:       replacements,
	}, nil
}

func splice(s string, start, end int, replacement string) string {
	var b strings.Builder
	b.Grow(len(s) - (end - start) + len(replacement))
	b.WriteString(s[:start])
	b.WriteString(replacement)
	b.WriteString(s[end:])
	return b.String()
}
