package id

import (
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	id := Generate()

	if !strings.HasPrefix(id, "job-") {
		t.Errorf("expected ID to start with 'job-', got %s", id)
	}
	if !Valid(id) {
		t.Errorf("expected %s to be valid", id)
	}
	if id == Generate() {
		t.Error("expected different IDs for consecutive calls")
	}
}

func TestGenerate_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := Generate()
		if seen[id] {
			t.Errorf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValid(t *testing.T) {
	tests := map[string]bool{
		"job-6f1c2b7e-3d4a-4b5c-8d9e-0a1b2c3d4e5f": true,
		"job-":                                 false,
		"job-not-a-uuid":                       false,
		"6f1c2b7e-3d4a-4b5c-8d9e-0a1b2c3d4e5f": false,
		"":                                     false,
		"job-../../etc":                        false,
	}
	for in, want := range tests {
		if got := Valid(in); got != want {
			t.Errorf("Valid(%q) = %v, want %v", in, got, want)
		}
	}
}
