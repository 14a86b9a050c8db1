// Package extract turns the text of an uploaded document into field values
// with confidence scores.
package extract

import (
	"context"
	"errors"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/resilience"
)

// Extractor reads the fields of one document type out of a document's text.
// Returned keys are always catalog keys required by docType.
type Extractor interface {
	Extract(ctx context.Context, docType, text string) (map[string]model.ExtractedValue, error)
}

var (
	// ErrMalformedResponse means the collaborator answered but the answer
	// could not be read. It fails one document, not the session.
	ErrMalformedResponse = eris.New("extract: malformed response")
	// ErrUnavailable means the collaborator cannot serve any document, for
	// example because credentials were rejected.
	ErrUnavailable = eris.New("extract: collaborator unavailable")
	// ErrUnknownDocumentType is returned for a document type with no
	// catalog requirements.
	ErrUnknownDocumentType = eris.New("extract: unknown document type")
)

// IsSystemic reports whether err should fail a whole analysis session rather
// than a single document.
func IsSystemic(err error) bool {
	if err == nil {
		return false
	}
	if eris.Is(err, ErrUnavailable) || eris.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return resilience.IsTransient(err)
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
