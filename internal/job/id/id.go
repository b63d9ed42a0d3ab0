// Package id provides unique identifier generation for jobs.
package id

import "github.com/google/uuid"

// Prefix starts every job id.
const Prefix = "job-"

// Generate creates a new unique job ID.
// Format: job-<uuid v4>
func Generate() string {
	return Prefix + uuid.NewString()
}

// Valid reports whether s has the shape Generate produces.
func Valid(s string) bool {
	if len(s) <= len(Prefix) || s[:len(Prefix)] != Prefix {
		return false
	}
	_, err := uuid.Parse(s[len(Prefix):])
	return err == nil
}
