package extract

import (
	"bufio"
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/model"
)

// DefaultLabelConfidence is assigned to every value the label extractor finds.
const DefaultLabelConfidence = 0.8

// Label reads "Label: value" lines. A label matches a field when it equals the
// field's display name, its full key, or the part of the key after the
// namespace. It needs no network access.
type Label struct {
	catalog    *catalog.Catalog
	confidence float64
}

// NewLabel returns a Label extractor. A confidence outside (0,1] falls back
// to DefaultLabelConfidence.
func NewLabel(cat *catalog.Catalog, confidence float64) *Label {
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultLabelConfidence
	}
	return &Label{catalog: cat, confidence: confidence}
}

func (l *Label) Extract(ctx context.Context, docType, text string) (map[string]model.ExtractedValue, error) {
	reqs := l.catalog.RequirementsFor(docType)
	if len(reqs) == 0 {
		return nil, eris.Wrapf(ErrUnknownDocumentType, "%q", docType)
	}

	fold := cases.Fold()
	labels := make(map[string]string, len(reqs)*3)
	for _, fr := range reqs {
		_, suffix, _ := strings.Cut(fr.Key, ".")
		for _, name := range []string{fr.Key, suffix, fr.DisplayName} {
			labels[normalizeLabel(fold, name)] = fr.Key
		}
	}

	out := make(map[string]model.ExtractedValue)
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		key, known := labels[normalizeLabel(fold, label)]
		value = strings.TrimSpace(value)
		if !known || value == "" {
			continue
		}
		if _, seen := out[key]; seen {
			continue
		}
		out[key] = model.ExtractedValue{Value: value, Confidence: l.confidence}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "%s: %v", docType, err)
	}
	return out, nil
}

var labelSeparators = strings.NewReplacer("_", " ", "-", " ", ".", " ")

// normalizeLabel folds case and collapses separators. A Caser is stateful, so
// each call to Extract brings its own.
func normalizeLabel(fold cases.Caser, s string) string {
	return strings.Join(strings.Fields(fold.String(labelSeparators.Replace(s))), " ")
}
