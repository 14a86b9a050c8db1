// Package questions turns a gap analysis into the applicant-facing
// questionnaire and derives completion progress from it.
package questions

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/gap"
	"github.com/sells-group/visadoc/internal/model"
)

// Generator builds question lists from gap results. It is read-only and safe
// for concurrent use.
type Generator struct {
	catalog *catalog.Catalog
}

// NewGenerator returns a Generator over cat.
func NewGenerator(cat *catalog.Catalog) *Generator {
	return &Generator{catalog: cat}
}

// Generate emits one question per missing key and one verification question
// per low-confidence key. Questions whose conditional predicate is false
// against fields are withheld. The result holds at most one question per key,
// ordered by category then priority then catalog position.
func (g *Generator) Generate(res gap.Result, fields model.FieldSet) []model.Question {
	out := make([]model.Question, 0, len(res.MissingKeys)+len(res.LowConfidenceKeys))
	seen := make(map[string]bool, cap(out))

	for _, key := range res.MissingKeys {
		fr, ok := g.catalog.Field(key)
		if !ok || seen[key] || !fr.Conditional.Evaluate(fields) {
			continue
		}
		seen[key] = true
		out = append(out, g.question(fr))
	}

	for _, key := range res.LowConfidenceKeys {
		fr, ok := g.catalog.Field(key)
		if !ok || seen[key] || !fr.Conditional.Evaluate(fields) {
			continue
		}
		seen[key] = true
		out = append(out, verification(fr, fields[key]))
	}

	slices.SortStableFunc(out, func(a, b model.Question) int {
		if d := model.CategoryRank(a.Category) - model.CategoryRank(b.Category); d != 0 {
			return d
		}
		if d := a.Priority.Rank() - b.Priority.Rank(); d != 0 {
			return d
		}
		return g.catalog.Position(a.Key) - g.catalog.Position(b.Key)
	})
	return out
}

func (g *Generator) question(fr model.FieldRequirement) model.Question {
	return model.Question{
		Key:       fr.Key,
		Text:      fr.QuestionText,
		DataType:  fr.DataType,
		Priority:  fr.Priority,
		Category:  g.catalog.CategoryOf(fr.Key),
		Options:   fr.Options,
		SubFields: fr.SubFields,
		HelpText:  fr.HelpText,
		Required:  fr.Priority == model.PriorityCritical,
	}
}

func verification(fr model.FieldRequirement, current model.ExtractedField) model.Question {
	label := strings.ToLower(fr.DisplayName)
	text := fmt.Sprintf("We could not read your %s from the uploaded documents. %s", label, fr.QuestionText)
	if current.Value != "" {
		pct := int(math.Round(current.Confidence * 100))
		text = fmt.Sprintf("We extracted '%s' as your %s (%d%% confidence). Is this correct?", current.Value, label, pct)
	}
	return model.Question{
		Key:            fr.Key,
		Text:           text,
		DataType:       fr.DataType,
		Priority:       model.PriorityImportant,
		Category:       model.CategoryVerification,
		Options:        fr.Options,
		SubFields:      fr.SubFields,
		HelpText:       fr.HelpText,
		IsVerification: true,
		Required:       fr.Priority == model.PriorityCritical,
		CurrentValue:   current.Value,
	}
}

// Progress derives completion from the currently open questions and the
// stored responses. A response counts as answered when its key is still in
// scope for a generated document, its condition holds and it is no longer
// open. Required means catalog priority critical.
func (g *Generator) Progress(open []model.Question, res gap.Result, fields model.FieldSet, responses []model.QuestionnaireResponse) model.Progress {
	openKeys := make(map[string]bool, len(open))
	var p model.Progress
	for _, q := range open {
		openKeys[q.Key] = true
		p.TotalQuestions++
		if q.Required {
			p.TotalRequired++
		}
	}

	inScope := make(map[string]bool, len(res.RequiredKeys))
	for _, k := range res.RequiredKeys {
		inScope[k] = true
	}

	counted := make(map[string]bool, len(responses))
	for _, r := range responses {
		if counted[r.Key] || openKeys[r.Key] || !inScope[r.Key] {
			continue
		}
		fr, ok := g.catalog.Field(r.Key)
		if !ok || !fr.Conditional.Evaluate(fields) {
			continue
		}
		counted[r.Key] = true
		p.TotalQuestions++
		p.AnsweredQuestions++
		if fr.Priority == model.PriorityCritical {
			p.TotalRequired++
			p.AnsweredRequired++
		}
	}

	p.Percentage = percent(p.AnsweredQuestions, p.TotalQuestions)
	p.RequiredPercentage = percent(p.AnsweredRequired, p.TotalRequired)
	return p
}

func percent(n, total int) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
