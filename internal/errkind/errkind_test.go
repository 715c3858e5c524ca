package errkind

import (
	"errors"
	"fmt"
	"testing"
)

func TestOf(t *testing.T) {
	errBad := New(Format, "bad input")
	wrapped := fmt.Errorf("storage: put x: %w", errBad)

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain", errors.New("boom"), Unknown},
		{"direct", errBad, Format},
		{"wrapped", wrapped, Format},
		{"integrity", New(Integrity, "tampered"), Integrity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Of(tt.err); got != tt.want {
				t.Errorf("Of() = %v, want %v", got, tt.want)
			}
		})
	}

	if !errors.Is(wrapped, errBad) {
		t.Error("wrapped error should still match sentinel")
	}
	if !Is(wrapped, Format) {
		t.Error("Is(wrapped, Format) should be true")
	}
}

func TestKindString(t *testing.T) {
	if Policy.String() != "policy" || Kind(99).String() != "unknown" {
		t.Error("unexpected Kind string")
	}
}
