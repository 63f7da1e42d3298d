package phone

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"555-555-1212", "+15555551212"},
		{"(555) 555 1212", "+15555551212"},
		{"1 555 555 1212", "+15555551212"},
		{"+44 20 7946 0958", "+442079460958"},
		{"  +0044 20 7946 0958", "+442079460958"},
		{"+1 (555) 555-1212", "+15555551212"},
	}

	for _, tt := range cases {
		got, err := Normalize(tt.raw)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", tt.raw, err)
		}
		if got != tt.want {
			t.Fatalf("Normalize(%q)=%q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	for _, raw := range []string{"12345", "", "25555551212", "555-555-12", "+", "+000"} {
		if _, err := Normalize(raw); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Normalize(%q) expected ErrInvalid, got %v", raw, err)
		}
	}
}
