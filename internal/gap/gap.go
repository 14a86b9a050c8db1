// Package gap reconciles the documents an applicant uploaded and the fields
// already known against the requirement catalog.
package gap

import (
	"slices"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/model"
)

// DefaultVerifyThreshold is the confidence below which an automatically
// extracted value is re-confirmed with the applicant.
const DefaultVerifyThreshold = 0.75

// Result is the output of one gap analysis. All key lists are in catalog
// order so repeated runs over the same inputs compare equal.
type Result struct {
	MissingDocumentTypes []string `json:"missing_document_types"`
	// RequiredKeys are the keys needed by missing documents that will be
	// generated.
	RequiredKeys      []string `json:"required_keys"`
	MissingKeys       []string `json:"missing_keys"`
	LowConfidenceKeys []string `json:"low_confidence_keys"`
}

// Analyzer computes gaps. It holds no mutable state and may be shared.
type Analyzer struct {
	catalog   *catalog.Catalog
	threshold float64
}

// NewAnalyzer returns an Analyzer. A threshold outside (0,1] falls back to
// DefaultVerifyThreshold.
func NewAnalyzer(cat *catalog.Catalog, threshold float64) *Analyzer {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultVerifyThreshold
	}
	return &Analyzer{catalog: cat, threshold: threshold}
}

// Threshold returns the verification threshold in use.
func (a *Analyzer) Threshold() float64 { return a.threshold }

// Analyze returns the missing document types, the keys still missing for the
// documents that will be generated, and the known keys whose automated
// confidence is too low to trust.
func (a *Analyzer) Analyze(uploaded []string, fields model.FieldSet) Result {
	have := make(map[string]bool, len(uploaded))
	for _, t := range uploaded {
		have[t] = true
	}

	required := make(map[string]bool)
	res := Result{
		MissingDocumentTypes: []string{},
		RequiredKeys:         []string{},
		MissingKeys:          []string{},
		LowConfidenceKeys:    []string{},
	}
	for _, d := range a.catalog.AllDocumentTypes() {
		if have[d.TypeID] {
			continue
		}
		res.MissingDocumentTypes = append(res.MissingDocumentTypes, d.TypeID)
		if !d.CanBeGenerated {
			continue
		}
		for _, k := range d.FieldKeys {
			required[k] = true
		}
	}

	for k := range required {
		res.RequiredKeys = append(res.RequiredKeys, k)
		f, ok := fields[k]
		switch {
		case !ok || !fields.Has(k):
			res.MissingKeys = append(res.MissingKeys, k)
		case f.Confidence < a.threshold && !f.FromQuestionnaire():
			res.LowConfidenceKeys = append(res.LowConfidenceKeys, k)
		}
	}

	a.sortKeys(res.RequiredKeys)
	a.sortKeys(res.MissingKeys)
	a.sortKeys(res.LowConfidenceKeys)
	return res
}

func (a *Analyzer) sortKeys(keys []string) {
	slices.SortFunc(keys, func(x, y string) int {
		return a.catalog.Position(x) - a.catalog.Position(y)
	})
}
