// Package processor defines the contract with the content-transformation
// collaborator. The transformation itself (text extraction, schema
// normalization) lives outside this service; the core consumes only its
// typed outcome.
package processor

import (
	"context"

	"github.com/docpress/docpress/outcome"
)

// Outcome is the typed result of one processing run: a reference to the
// produced output, or a taxonomy code plus the stage that failed.
type Outcome struct {
	OutputRef string        `json:"output_ref,omitempty"`
	Code      outcome.Code  `json:"code,omitempty"`
	Stage     outcome.Stage `json:"stage,omitempty"`
}

// Success reports whether the run produced output.
func (o Outcome) Success() bool {
	return o.OutputRef != "" && o.Code == ""
}

// Failure builds a failed outcome, normalizing the code into the taxonomy.
func Failure(code outcome.Code, stage outcome.Stage) Outcome {
	return Outcome{Code: outcome.Normalize(string(code)), Stage: stage}
}

// Processor runs the document transformation for one input. Implemented by
// the in-process worker used by the local backend variant; remote variants
// run the same transformation behind their own APIs.
type Processor interface {
	Process(ctx context.Context, inputRef string) (Outcome, error)
}
