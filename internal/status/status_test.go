package status

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfWrappedErrors(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeOK},
		{fmt.Errorf("%w: pool 2 exhausted", ErrOutOfMemory), CodeOutOfMemory},
		{fmt.Errorf("msgq: %w", fmt.Errorf("%w: queue 7", ErrNotFound)), CodeNotFound},
		{fmt.Errorf("%w (%w)", ErrNotFound, ErrTimeout), CodeNotFound},
		{ErrAccessDenied, CodeAccessDenied},
		{errors.New("unclassified"), CodeGeneralFailure},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Fatalf("CodeOf(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}

func TestFromCodeRoundTrip(t *testing.T) {
	for code := CodeOutOfMemory; code <= CodeGeneralFailure; code++ {
		err := FromCode(code)
		if CodeOf(err) != code {
			t.Fatalf("code %d did not round trip: %v", code, err)
		}
	}
	if FromCode(CodeOK) != nil {
		t.Fatalf("expected nil for CodeOK")
	}
	if !errors.Is(FromCode(Code(99)), ErrGeneralFailure) {
		t.Fatalf("unknown code should map to general failure")
	}
}
