package anonymizer

import (
	"regexp"
	"strings"
	"testing"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/pkg/errors"
)

func entity(text, s, label string) models.Entity {
	i := strings.Index(text, s)
	return models.Entity{Text: s, Start: i, End: i + len(s), Label: label, Source: "regex"}
}

func only(m models.Mechanism) models.MechanismConfig {
	return models.MechanismConfig{Default: m}
}

func TestAnonymizeMechanisms(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		span      string
		label     string
		mechanism models.Mechanism
		want      string
		used      models.MechanismType
	}{
		{"redact", "Patient Max Mustermann", "Max Mustermann", "PERSON",
			models.Mechanism{Type: models.MechanismRedact}, "Patient [REDACTED]", models.MechanismRedact},
		{"replace", "Patient Max Mustermann", "Max Mustermann", "PERSON",
			models.Mechanism{Type: models.MechanismReplace, Replacement: "[NAME]"}, "Patient [NAME]", models.MechanismReplace},
		{"replace without replacement", "Patient Max Mustermann", "Max Mustermann", "PERSON",
			models.Mechanism{Type: models.MechanismReplace}, "Patient [REDACTED]", models.MechanismRedact},
		{"partial", "Herr Schmidt", "Schmidt", "PERSON",
			models.Mechanism{Type: models.MechanismPartial}, "Herr S*****t", models.MechanismPartial},
		{"partial with umlaut", "Herr Jürgen", "Jürgen", "PERSON",
			models.Mechanism{Type: models.MechanismPartial}, "Herr J****n", models.MechanismPartial},
		{"mask counts runes", "Frau Müller", "Müller", "PERSON",
			models.Mechanism{Type: models.MechanismMask}, "Frau ******", models.MechanismMask},
		{"shift date", "Aufnahme 15.03.2024", "15.03.2024", "DATE",
			models.Mechanism{Type: models.MechanismShift, ShiftMonths: 28}, "Aufnahme 15.07.2026", models.MechanismShift},
		{"shift non date", "Frau Müller", "Müller", "PERSON",
			models.Mechanism{Type: models.MechanismShift, ShiftMonths: 1}, "Frau [REDACTED]", models.MechanismRedact},
		{"shift unparsable date", "am 31.02.2024", "31.02.2024", "DATE",
			models.Mechanism{Type: models.MechanismShift, ShiftDays: 3}, "am 31.02.2024", models.MechanismShift},
		{"unknown mechanism", "Frau Müller", "Müller", "PERSON",
			models.Mechanism{Type: "scramble"}, "Frau [REDACTED]", models.MechanismRedact},
	}

	engine := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ent := entity(tt.text, tt.span, tt.label)
			got, err := engine.Anonymize(tt.text, []models.Entity{ent}, only(tt.mechanism), nil)
			if err != nil {
				t.Fatalf("Anonymize() error = %v", err)
			}
			if got.AnonymizedText != tt.want {
				t.Errorf("AnonymizedText = %q, want %q", got.AnonymizedText, tt.want)
			}
			if len(got.Replacements) != 1 {
				t.Fatalf("len(Replacements) = %d, want 1", len(got.Replacements))
			}
			if got.Replacements[0].Mechanism != tt.used {
				t.Errorf("Mechanism = %s, want %s", got.Replacements[0].Mechanism, tt.used)
			}
			if got.Replacements[0].Original != tt.span {
				t.Errorf("Original = %q, want %q", got.Replacements[0].Original, tt.span)
			}
		})
	}
}

func TestHashToken(t *testing.T) {
	pattern := regexp.MustCompile(`^\[HASH:[0-9a-f]{8}\]$`)

	a := hashToken("Max Mustermann")
	if !pattern.MatchString(a) {
		t.Errorf("hashToken() = %q, want [HASH:xxxxxxxx]", a)
	}
	if b := hashToken("Max Mustermann"); a != b {
		t.Errorf("hashToken() not deterministic: %q != %q", a, b)
	}
	if c := hashToken("Erika Mustermann"); a == c {
		t.Errorf("different inputs hashed to %q", a)
	}
	if got := hashToken(""); got != "[HASH:d41d8cd9]" {
		t.Errorf(`hashToken("") = %q, want [HASH:d41d8cd9]`, got)
	}
}

func TestPartial(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Schmidt", "S*****t"},
		{"Abc", "A*c"},
		{"Ab", "A*"},
		{"A", "A*"},
		{"Öz", "Ö*"},
	}
	for _, tt := range tests {
		if got := partial(tt.in); got != tt.want {
			t.Errorf("partial(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAnonymizeByTag(t *testing.T) {
	text := "Dr. Schmidt rief am 15.03.2024 unter 030-1234567 an"
	entities := []models.Entity{
		entity(text, "Dr. Schmidt", models.LabelPerson),
		entity(text, "15.03.2024", models.LabelDate),
		entity(text, "030-1234567", models.LabelPhone),
	}
	config := models.MechanismConfig{
		Default: models.Redact(),
		ByTag: map[string]models.Mechanism{
			models.LabelPerson: {Type: models.MechanismReplace, Replacement: "[ARZT]"},
			models.LabelDate:   {Type: models.MechanismShift, ShiftMonths: 6},
		},
	}

	got, err := New(nil).Anonymize(text, entities, config, nil)
	if err != nil {
		t.Fatalf("Anonymize() error = %v", err)
	}

	want := "[ARZT] rief am 15.09.2024 unter [REDACTED] an"
	if got.AnonymizedText != want {
		t.Errorf("AnonymizedText = %q, want %q", got.AnonymizedText, want)
	}
	if got.EntitiesFound != 3 || got.EntitiesAnonymized != 3 {
		t.Errorf("counts = (%d, %d), want (3, 3)", got.EntitiesFound, got.EntitiesAnonymized)
	}
	if got.Replacements[0].Label != models.LabelPhone || got.Replacements[2].Label != models.LabelPerson {
		t.Errorf("replacements not in right-to-left order: %+v", got.Replacements)
	}
	if got.OriginalText != text {
		t.Errorf("OriginalText changed")
	}
}

func TestAnonymizeExclusion(t *testing.T) {
	text := "NYHA bei Herrn NYHA"
	engine := New(nil)

	general := entity(text, "NYHA", "MISC")
	blocked := models.Entity{Text: "NYHA", Start: 15, End: 19, Label: models.LabelBlacklisted, Source: models.SourceBlacklist}
	exclude := map[string]struct{}{"NYHA": {}}

	got, err := engine.Anonymize(text, []models.Entity{general, blocked}, only(models.Redact()), exclude)
	if err != nil {
		t.Fatalf("Anonymize() error = %v", err)
	}
	if want := "NYHA bei Herrn [REDACTED]"; got.AnonymizedText != want {
		t.Errorf("AnonymizedText = %q, want %q", got.AnonymizedText, want)
	}
	if got.EntitiesFound != 1 || got.EntitiesAnonymized != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", got.EntitiesFound, got.EntitiesAnonymized)
	}
}

func TestAnonymizeNoEntities(t *testing.T) {
	got, err := New(nil).Anonymize("Kein Befund.", nil, only(models.Redact()), nil)
	if err != nil {
		t.Fatalf("Anonymize() error = %v", err)
	}
	if got.AnonymizedText != "Kein Befund." || got.EntitiesFound != 0 || len(got.Replacements) != 0 {
		t.Errorf("Anonymize() = %+v, want text unchanged", got)
	}
}

func TestAnonymizeRejectsInvalidEntities(t *testing.T) {
	text := "Herr Müller"
	tests := []struct {
		name     string
		entities []models.Entity
	}{
		{"end beyond text", []models.Entity{{Text: "Müller", Start: 5, End: 50, Label: "PERSON"}}},
		{"negative start", []models.Entity{{Text: "Herr", Start: -1, End: 4, Label: "PERSON"}}},
		{"empty span", []models.Entity{{Text: "", Start: 3, End: 3, Label: "PERSON"}}},
		{"text mismatch", []models.Entity{{Text: "Meier", Start: 5, End: 12, Label: "PERSON"}}},
		{"overlap", []models.Entity{
			{Text: "Herr Müller", Start: 0, End: 12, Label: "PERSON"},
			{Text: "Müller", Start: 5, End: 12, Label: "PERSON"},
		}},
	}

	engine := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Anonymize(text, tt.entities, only(models.Redact()), nil)
			if !errors.IsCode(err, errors.CodeInvalidInput) {
				t.Errorf("Anonymize() error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

func BenchmarkAnonymize(b *testing.B) {
	text := strings.Repeat("Dr. Schmidt sah Frau Müller am 15.03.2024. ", 50)
	var entities []models.Entity
	for i := 0; i < 50; i++ {
		off := i * len("Dr. Schmidt sah Frau Müller am 15.03.2024. ")
		entities = append(entities,
			models.Entity{Text: "Dr. Schmidt", Start: off, End: off + 11, Label: models.LabelPerson},
			models.Entity{Text: "15.03.2024", Start: off + 32, End: off + 42, Label: models.LabelDate},
		)
	}
	config := models.MechanismConfig{
		Default: models.Redact(),
		ByTag:   map[string]models.Mechanism{models.LabelDate: {Type: models.MechanismShift, ShiftDays: 10}},
	}
	engine := New(nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Anonymize(text, entities, config, nil); err != nil {
			b.Fatal(err)
		}
	}
}
