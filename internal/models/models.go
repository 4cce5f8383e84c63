// Package models provides shared data models with validation.
package models

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Entity labels produced by the built-in detectors. NER sources may emit
// any other label string.
const (
	LabelPerson      = "PERSON"
	LabelPhone       = "PHONE"
	LabelEmail       = "EMAIL"
	LabelDate        = "DATE"
	LabelZipcode     = "ZIPCODE"
	LabelIBAN        = "IBAN"
	LabelBlacklisted = "BLACKLISTED"
)

// Entity sources produced by the built-in detectors.
const (
	SourceBlacklist  = "blacklist"
	SourceRegex      = "regex"
	SourceRegexTitle = "regex_title"
)

// Entity is a detected span of PII. Start and End are byte offsets into the
// UTF-8 source text, End exclusive. The HTTP API converts them to code-point
// offsets.
type Entity struct {
	Text        string   `json:"text"`
	Start       int      `json:"start"`
	End         int      `json:"end"`
	Label       string   `json:"label"`
	Source      string   `json:"source"`
	Groups      []string `json:"groups,omitempty"`
	Whitelisted bool     `json:"whitelisted"`
}

// Len returns the span length in bytes.
func (e *Entity) Len() int {
	return e.End - e.Start
}

// Overlaps reports whether the two half-open spans share any byte.
func (e *Entity) Overlaps(o *Entity) bool {
	return !(e.End <= o.Start || o.End <= e.Start)
}

// Validate checks the entity against the text it was detected in.
func (e *Entity) Validate(text string) error {
	if e.Start < 0 || e.End > len(text) || e.Start >= e.End {
		return fmt.Errorf("entity span [%d,%d) out of bounds for text of length %d", e.Start, e.End, len(text))
	}
	if text[e.Start:e.End] != e.Text {
		return fmt.Errorf("entity text does not match span [%d,%d)", e.Start, e.End)
	}
	if e.Label == "" {
		return fmt.Errorf("label is required")
	}
	return nil
}

// MechanismType names an anonymization mechanism.
type MechanismType string

const (
	MechanismRedact  MechanismType = "redact"
	MechanismReplace MechanismType = "replace"
	MechanismHash    MechanismType = "hash"
	MechanismPartial MechanismType = "partial"
	MechanismMask    MechanismType = "mask"
	MechanismShift   MechanismType = "shift"
)

// Mechanism describes how one entity is rewritten.
type Mechanism struct {
	Type        MechanismType `json:"type" yaml:"type"`
	Replacement string        `json:"replacement,omitempty" yaml:"replacement,omitempty"`
	ShiftMonths int           `json:"shift_months,omitempty" yaml:"shift_months,omitempty"`
	ShiftDays   int           `json:"shift_days,omitempty" yaml:"shift_days,omitempty"`
}

// Redact is the default mechanism.
func Redact() Mechanism {
	return Mechanism{Type: MechanismRedact}
}

// Validate validates the mechanism.
func (m *Mechanism) Validate() error {
	if !IsValidMechanismType(m.Type) {
		return fmt.Errorf("invalid mechanism type: %q", m.Type)
	}
	if m.Type == MechanismReplace && m.Replacement == "" {
		return fmt.Errorf("replacement is required for replace mechanism")
	}
	return nil
}

// MechanismConfig selects a mechanism per entity label.
type MechanismConfig struct {
	Default Mechanism
	ByTag   map[string]Mechanism
}

// For returns the mechanism for label, falling back to the default.
func (c MechanismConfig) For(label string) Mechanism {
	if m, ok := c.ByTag[label]; ok {
		return m
	}
	return c.Default
}

// Template is a named, persisted mechanism configuration.
type Template struct {
	Name             string               `json:"name" yaml:"name"`
	Description      string               `json:"description,omitempty" yaml:"description,omitempty"`
	DefaultMechanism Mechanism            `json:"default_mechanism" yaml:"default_mechanism"`
	MechanismsByTag  map[string]Mechanism `json:"mechanisms_by_tag" yaml:"mechanisms_by_tag"`
	CreatedAt        time.Time            `json:"created_at" yaml:"-"`
	UpdatedAt        time.Time            `json:"updated_at" yaml:"-"`
}

// Config returns the template's mechanism configuration.
func (t *Template) Config() MechanismConfig {
	return MechanismConfig{Default: t.DefaultMechanism, ByTag: t.MechanismsByTag}
}

// Validate validates the template.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if utf8.RuneCountInString(t.Name) > 200 {
		return fmt.Errorf("name must be at most 200 characters")
	}
	if utf8.RuneCountInString(t.Description) > 1000 {
		return fmt.Errorf("description must be at most 1000 characters")
	}
	if err := t.DefaultMechanism.Validate(); err != nil {
		return fmt.Errorf("default_mechanism: %w", err)
	}
	for tag, m := range t.MechanismsByTag {
		if tag == "" {
			return fmt.Errorf("mechanisms_by_tag: empty tag")
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("mechanisms_by_tag[%s]: %w", tag, err)
		}
	}
	return nil
}

// Replacement records one applied rewrite.
type Replacement struct {
	Original    string        `json:"original"`
	Replacement string        `json:"replacement"`
	Start       int           `json:"start"`
	End         int           `json:"end"`
	Label       string        `json:"label"`
	Mechanism   MechanismType `json:"mechanism"`
}

// Result is the outcome of anonymizing one text.
type Result struct {
	OriginalText       string        `json:"original_text"`
	AnonymizedText     string        `json:"anonymized_text"`
	EntitiesFound      int           `json:"entities_found"`
	EntitiesAnonymized int           `json:"entities_anonymized"`
	Replacements       []Replacement `json:"replacements"`
}

// AuditEvent summarizes one anonymization without any source text.
type AuditEvent struct {
	RequestID          string         `json:"request_id"`
	TemplateID         string         `json:"template_id,omitempty"`
	Channel            string         `json:"channel"`
	Timestamp          time.Time      `json:"timestamp"`
	EntitiesFound      int            `json:"entities_found"`
	EntitiesAnonymized int            `json:"entities_anonymized"`
	Labels             map[string]int `json:"labels"`
	Mechanisms         map[string]int `json:"mechanisms"`
}

// NewAuditEvent counts labels and mechanisms of a result.
func NewAuditEvent(requestID, templateID, channel string, r *Result) *AuditEvent {
	ev := &AuditEvent{
		RequestID:          requestID,
		TemplateID:         templateID,
		Channel:            channel,
		Timestamp:          time.Now().UTC(),
		EntitiesFound:      r.EntitiesFound,
		EntitiesAnonymized: r.EntitiesAnonymized,
		Labels:             make(map[string]int),
		Mechanisms:         make(map[string]int),
	}
	for _, rep := range r.Replacements {
		ev.Labels[rep.Label]++
		ev.Mechanisms[string(rep.Mechanism)]++
	}
	return ev
}

// AuditStats aggregates stored audit events.
type AuditStats struct {
	Requests           uint64            `json:"requests"`
	EntitiesFound      uint64            `json:"entities_found"`
	EntitiesAnonymized uint64            `json:"entities_anonymized"`
	ByLabel            map[string]uint64 `json:"by_label"`
	Period             string            `json:"period"`
}

// Job is a queued anonymization request.
type Job struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	TemplateID  string    `json:"template_id,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Validate validates the job.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("id is required")
	}
	if j.Text == "" {
		return fmt.Errorf("text is required")
	}
	return nil
}

// JobResult is the stored outcome of a queued job.
type JobResult struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Job statuses.
const (
	JobPending   = "pending"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// IsValidMechanismType reports whether t is a known mechanism.
func IsValidMechanismType(t MechanismType) bool {
	switch t {
	case MechanismRedact, MechanismReplace, MechanismHash, MechanismPartial, MechanismMask, MechanismShift:
		return true
	}
	return false
}
