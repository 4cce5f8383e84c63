package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain", stderrors.New("boom"), CodeInternal},
		{"structured", NotFound("template"), CodeNotFound},
		{"wrapped", fmt.Errorf("save: %w", Conflict("entry")), CodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := InvalidInput("invalid template").WithDetails("name is required")
	if got, want := err.Error(), "[INVALID_INPUT] invalid template: name is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if got, want := LimitExceeded("list", 10).Error(), "[LIMIT_EXCEEDED] list limit of 10 reached"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(cause, CodeUnavailable, "ner service failed")
	if !stderrors.Is(err, cause) {
		t.Error("Wrap() lost its cause")
	}
	if !IsCode(err, CodeUnavailable) || IsNotFound(err) || IsConflict(err) {
		t.Errorf("code checks wrong for %v", err)
	}
	if _, ok := As(cause); ok {
		t.Error("As() matched a plain error")
	}
}

func TestCodeStatus(t *testing.T) {
	tests := map[Code]int{
		CodeNotFound:      404,
		CodeInvalidInput:  400,
		CodeConflict:      409,
		CodeLimitExceeded: 400,
		CodeInternal:      500,
		CodeUnavailable:   503,
		CodeRateLimit:     429,
		CodeTimeout:       504,
		Code("UNKNOWN"):   500,
	}
	for code, want := range tests {
		if got := code.Status(); got != want {
			t.Errorf("%s.Status() = %d, want %d", code, got, want)
		}
	}
}
