package harness

import (
	"github.com/roach88/mxarchive/internal/archiver"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success.
	// True if every pass expectation and assertion matched.
	Pass bool `json:"pass"`

	// Passes holds each pass summary in execution order.
	Passes []archiver.Summary `json:"passes"`

	// Archive is the archive contents after the last pass.
	Archive *Dump `json:"archive,omitempty"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for scenario execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Passes: []archiver.Summary{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
