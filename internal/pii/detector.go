// Package pii finds personal data in German clinical text. It combines
// precompiled regular expressions, a user block-list, a user allow-list and
// pluggable NER sources into one non-overlapping set of entities.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/openredact/clinical/internal/models"
)

// SourceRegexCustom tags entities found by configured custom patterns.
const SourceRegexCustom = "regex_custom"

// ws matches the same whitespace as a Unicode-aware \s.
const ws = `[\s\v\p{Z}\x{85}]`

// personName is one or two capitalized German name tokens. The trailing group
// consumes one non-word rune (or the end) so umlauts count as word runes.
const personName = `[A-ZÄÖÜ][a-zäöüß]+(?:` + ws + `+[A-ZÄÖÜ][a-zäöüß]+)?`
const nameEnd = `(?:[^\p{L}\p{N}_]|$)`

type pattern struct {
	re     *regexp.Regexp
	label  string
	source string
	// span is the submatch holding the entity.
	span int
	// groups attaches capture groups 1..n to the entity.
	groups bool
	accept func(string) bool
}

func newPattern(expr, label, source string) *pattern {
	return &pattern{re: regexp.MustCompile(expr), label: label, source: source}
}

var (
	titlePatterns = []*pattern{
		spanned(newPattern(`\b((?:Prof\.`+ws+`+Dr\.|Dr\.`+ws+`+Prof\.)`+ws+`+(?:med\.`+ws+`+)?`+personName+`)`+nameEnd,
			models.LabelPerson, models.SourceRegexTitle)),
		spanned(newPattern(`\b((?:Dr\.|Prof\.|PD)`+ws+`+med\.`+ws+`+`+personName+`)`+nameEnd,
			models.LabelPerson, models.SourceRegexTitle)),
		spanned(newPattern(`\b((?:Dr\.|Prof\.)`+ws+`+`+personName+`)`+nameEnd,
			models.LabelPerson, models.SourceRegexTitle)),
		spanned(newPattern(`\b(Dipl\.-Med\.`+ws+`+`+personName+`)`+nameEnd,
			models.LabelPerson, models.SourceRegexTitle)),
	}

	phonePatterns = []*pattern{
		newPattern(`\+49[\s\v\p{Z}\x{85}-]?\d{2,4}[\s\v\p{Z}\x{85}-]?\d{6,9}\b`, models.LabelPhone, models.SourceRegex),
		newPattern(`\b0\d{2,3}[\s\v\p{Z}\x{85}/-]\d{6,10}\b`, models.LabelPhone, models.SourceRegex),
		newPattern(`\b0\d{9,11}\b`, models.LabelPhone, models.SourceRegex),
	}

	emailPatterns = []*pattern{
		spanned(newPattern(`(?:^|[^\p{L}\p{N}_])([A-Za-z0-9äöüÄÖÜß._%+-]+@[A-Za-z0-9äöüÄÖÜß.-]+\.[A-Za-z]{2,})\b`,
			models.LabelEmail, models.SourceRegex)),
	}

	datePatterns = []*pattern{
		withGroups(newPattern(`\b(\d{1,2})\.(\d{1,2})\.(\d{2,4})\b`, models.LabelDate, models.SourceRegex)),
		withGroups(newPattern(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{2,4})\b`, models.LabelDate, models.SourceRegex)),
		withGroups(newPattern(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`, models.LabelDate, models.SourceRegex)),
	}

	zipcodePatterns = []*pattern{
		accepting(newPattern(`\b\d{5}\b`, models.LabelZipcode, models.SourceRegex), plausibleZipcode),
	}

	ibanPatterns = []*pattern{
		newPattern(`\bDE\d{2}`+ws+`?\d{4}`+ws+`?\d{4}`+ws+`?\d{4}`+ws+`?\d{4}`+ws+`?\d{2}\b`,
			models.LabelIBAN, models.SourceRegex),
	}
)

func spanned(p *pattern) *pattern {
	p.span = 1
	return p
}

func withGroups(p *pattern) *pattern {
	p.groups = true
	return p
}

func accepting(p *pattern, fn func(string) bool) *pattern {
	p.accept = fn
	return p
}

// plausibleZipcode rejects 00000 and runs like 12345 or 11111.
func plausibleZipcode(z string) bool {
	if z == "00000" {
		return false
	}
	step := int(z[1]) - int(z[0])
	for i := 2; i < len(z); i++ {
		if int(z[i])-int(z[i-1]) != step {
			return true
		}
	}
	return false
}

// DetectorConfig configures which pattern families FindAll runs.
type DetectorConfig struct {
	Titles   bool `yaml:"titles"`
	Phones   bool `yaml:"phones"`
	Emails   bool `yaml:"emails"`
	Dates    bool `yaml:"dates"`
	Zipcodes bool `yaml:"zipcodes"`
	IBANs    bool `yaml:"ibans"`

	// CustomPatterns maps a label to an additional expression.
	CustomPatterns map[string]string `yaml:"custom_patterns"`
}

// DefaultDetectorConfig enables every built-in family.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Titles:   true,
		Phones:   true,
		Emails:   true,
		Dates:    true,
		Zipcodes: true,
		IBANs:    true,
	}
}

// Detector finds structured PII with regular expressions. It is safe for
// concurrent use.
type Detector struct {
	config DetectorConfig
	custom []*pattern
}

// NewDetector compiles the configured custom patterns.
func NewDetector(config DetectorConfig) (*Detector, error) {
	labels := make([]string, 0, len(config.CustomPatterns))
	for label := range config.CustomPatterns {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	d := &Detector{config: config}
	for _, label := range labels {
		re, err := regexp.Compile(config.CustomPatterns[label])
		if err != nil {
			return nil, fmt.Errorf("failed to compile custom pattern %s: %w", label, err)
		}
		d.custom = append(d.custom, &pattern{re: re, label: label, source: SourceRegexCustom})
	}
	return d, nil
}

// FindTitles finds names introduced by an academic or medical title.
func (d *Detector) FindTitles(text string) []models.Entity { return findAll(titlePatterns, text) }

// FindPhones finds German landline, mobile and +49 numbers.
func (d *Detector) FindPhones(text string) []models.Entity { return findAll(phonePatterns, text) }

// FindEmails finds email addresses, including umlauts in the local part.
func (d *Detector) FindEmails(text string) []models.Entity { return findAll(emailPatterns, text) }

// FindDates finds numeric dates and attaches their components as groups.
func (d *Detector) FindDates(text string) []models.Entity { return findAll(datePatterns, text) }

// FindZipcodes finds five-digit postal codes.
func (d *Detector) FindZipcodes(text string) []models.Entity { return findAll(zipcodePatterns, text) }

// FindIBANs finds German IBANs with or without grouping spaces.
func (d *Detector) FindIBANs(text string) []models.Entity { return findAll(ibanPatterns, text) }

// FindAll runs every enabled family in a fixed order: titles, phones,
// emails, dates, zipcodes, IBANs, custom patterns. Results may overlap.
func (d *Detector) FindAll(text string) []models.Entity {
	var out []models.Entity
	if d.config.Titles {
		out = append(out, d.FindTitles(text)...)
	}
	if d.config.Phones {
		out = append(out, d.FindPhones(text)...)
	}
	if d.config.Emails {
		out = append(out, d.FindEmails(text)...)
	}
	if d.config.Dates {
		out = append(out, d.FindDates(text)...)
	}
	if d.config.Zipcodes {
		out = append(out, d.FindZipcodes(text)...)
	}
	if d.config.IBANs {
		out = append(out, d.FindIBANs(text)...)
	}
	return append(out, findAll(d.custom, text)...)
}

func findAll(patterns []*pattern, text string) []models.Entity {
	var out []models.Entity
	for _, p := range patterns {
		out = p.find(text, out)
	}
	return out
}

func (p *pattern) find(text string, out []models.Entity) []models.Entity {
	for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[2*p.span], loc[2*p.span+1]
		if start < 0 || start >= end || !bounded(text, start, end) {
			continue
		}
		value := text[start:end]
		if p.accept != nil && !p.accept(value) {
			continue
		}

		e := models.Entity{
			Text:   value,
			Start:  start,
			End:    end,
			Label:  p.label,
			Source: p.source,
		}
		if p.groups {
			for i := 1; i < len(loc)/2; i++ {
				if loc[2*i] >= 0 {
					e.Groups = append(e.Groups, text[loc[2*i]:loc[2*i+1]])
				}
			}
		}
		out = append(out, e)
	}
	return out
}

// bounded rejects matches glued to a non-ASCII letter or digit, which RE2's
// ASCII-only \b treats as a boundary.
func bounded(text string, start, end int) bool {
	if start > 0 {
		prev, _ := utf8.DecodeLastRuneInString(text[:start])
		first, _ := utf8.DecodeRuneInString(text[start:])
		if prev >= utf8.RuneSelf && IsWord(prev) && IsWord(first) {
			return false
		}
	}
	if end < len(text) {
		last, _ := utf8.DecodeLastRuneInString(text[:end])
		next, _ := utf8.DecodeRuneInString(text[end:])
		if next >= utf8.RuneSelf && IsWord(next) && IsWord(last) {
			return false
		}
	}
	return true
}

// IsWord reports whether r belongs to a word: a letter, digit, mark or
// underscore.
func IsWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r)
}
