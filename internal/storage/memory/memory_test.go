package memory

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/storage"
	"github.com/openredact/clinical/pkg/errors"
)

func TestListStore(t *testing.T) {
	ctx := context.Background()
	s := NewListStore(storage.Limits{MaxListEntries: 2, MaxEntryLength: 10})

	if err := s.Add(ctx, " NYHA "); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add(ctx, "NYHA"); !errors.IsConflict(err) {
		t.Errorf("duplicate Add() error = %v, want CONFLICT", err)
	}
	if err := s.Add(ctx, ""); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("empty Add() error = %v, want INVALID_INPUT", err)
	}
	if err := s.Add(ctx, "Elffffffffff"); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("long Add() error = %v, want INVALID_INPUT", err)
	}
	if err := s.Add(ctx, "EKG"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := s.Add(ctx, "MRT"); !errors.IsCode(err, errors.CodeLimitExceeded) {
		t.Errorf("Add() on full list error = %v, want LIMIT_EXCEEDED", err)
	}

	got, _ := s.All(ctx)
	if want := []string{"EKG", "NYHA"}; !reflect.DeepEqual(got, want) {
		t.Errorf("All() = %v, want %v", got, want)
	}

	if err := s.Remove(ctx, "MRT"); !errors.IsNotFound(err) {
		t.Errorf("Remove() missing error = %v, want NOT_FOUND", err)
	}
	if err := s.Remove(ctx, "EKG"); err != nil {
		t.Errorf("Remove() error = %v", err)
	}

	if err := s.Replace(ctx, []string{"a", "b", "c"}); !errors.IsCode(err, errors.CodeLimitExceeded) {
		t.Errorf("Replace() over limit error = %v, want LIMIT_EXCEEDED", err)
	}
	if err := s.Replace(ctx, []string{"b", "a", "b"}); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	got, _ = s.All(ctx)
	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("All() after Replace = %v, want %v", got, want)
	}
}

func testTemplate(name string) *models.Template {
	return &models.Template{
		Name:             name,
		DefaultMechanism: models.Redact(),
		MechanismsByTag: map[string]models.Mechanism{
			models.LabelDate: {Type: models.MechanismShift, ShiftMonths: 3},
		},
	}
}

func TestTemplateStore(t *testing.T) {
	ctx := context.Background()
	s := NewTemplateStore(storage.Limits{MaxTemplates: 2})

	clock := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	if got, err := s.Get(ctx, "arztbrief"); got != nil || err != nil {
		t.Errorf("Get() missing = %v, %v, want nil, nil", got, err)
	}

	if err := s.Save(ctx, "arztbrief", testTemplate("Arztbrief")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	clock = clock.Add(time.Hour)
	updated := testTemplate("Arztbrief v2")
	if err := s.Save(ctx, "arztbrief", updated); err != nil {
		t.Fatalf("Save() update error = %v", err)
	}

	got, err := s.Get(ctx, "arztbrief")
	if err != nil || got == nil {
		t.Fatalf("Get() = %v, %v", got, err)
	}
	if got.Name != "Arztbrief v2" {
		t.Errorf("Name = %q, want Arztbrief v2", got.Name)
	}
	if !got.CreatedAt.Equal(clock.Add(-time.Hour)) || !got.UpdatedAt.Equal(clock) {
		t.Errorf("timestamps = %v / %v", got.CreatedAt, got.UpdatedAt)
	}

	got.MechanismsByTag[models.LabelDate] = models.Redact()
	again, _ := s.Get(ctx, "arztbrief")
	if again.MechanismsByTag[models.LabelDate].Type != models.MechanismShift {
		t.Error("Get() returned shared state")
	}

	if err := s.Save(ctx, "bad", &models.Template{Name: "x", DefaultMechanism: models.Mechanism{Type: "nope"}}); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("Save() invalid error = %v, want INVALID_INPUT", err)
	}

	if err := s.Save(ctx, "labor", testTemplate("Labor")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Save(ctx, "radiologie", testTemplate("Radiologie")); !errors.IsCode(err, errors.CodeLimitExceeded) {
		t.Errorf("Save() over limit error = %v, want LIMIT_EXCEEDED", err)
	}

	if err := s.Delete(ctx, "radiologie"); !errors.IsNotFound(err) {
		t.Errorf("Delete() missing error = %v, want NOT_FOUND", err)
	}
	if err := s.Delete(ctx, "labor"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}

	all, _ := s.List(ctx)
	if len(all) != 1 {
		t.Errorf("List() has %d templates, want 1", len(all))
	}
}

func TestTemplateStoreImport(t *testing.T) {
	ctx := context.Background()
	s := NewTemplateStore(storage.Limits{MaxTemplates: 2})

	err := s.Import(ctx, map[string]*models.Template{
		"a": testTemplate("A"),
		"b": testTemplate("B"),
		"c": testTemplate("C"),
	})
	if !errors.IsCode(err, errors.CodeLimitExceeded) {
		t.Errorf("Import() over limit error = %v, want LIMIT_EXCEEDED", err)
	}

	err = s.Import(ctx, map[string]*models.Template{
		"a": testTemplate("A"),
		"b": {Name: ""},
	})
	if !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("Import() invalid error = %v, want INVALID_INPUT", err)
	}
	if all, _ := s.List(ctx); len(all) != 0 {
		t.Errorf("failed Import() stored %d templates", len(all))
	}

	if err := s.Import(ctx, map[string]*models.Template{"a": testTemplate("A"), "b": testTemplate("B")}); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if all, _ := s.List(ctx); len(all) != 2 {
		t.Errorf("List() has %d templates, want 2", len(all))
	}
}
