package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/resilience"
	"github.com/sells-group/visadoc/pkg/anthropic"
)

// ClaudeConfig configures the Claude-backed extractor.
type ClaudeConfig struct {
	Model     string
	MaxTokens int64
}

// Claude extracts fields by asking an Anthropic model for a JSON object.
type Claude struct {
	client  anthropic.Client
	catalog *catalog.Catalog
	cfg     ClaudeConfig
}

// NewClaude returns a Claude extractor.
func NewClaude(client anthropic.Client, cat *catalog.Catalog, cfg ClaudeConfig) *Claude {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Claude{client: client, catalog: cat, cfg: cfg}
}

const claudeSystemPrompt = `You extract structured data from the OCR text of documents submitted with a visa application.
Respond with one JSON object and nothing else, shaped as:
{"fields": {"<field key>": {"value": "<value>", "confidence": <number between 0 and 1>}}}
Rules:
- Use only the field keys listed in the request.
- Omit a field entirely when the document does not state it.
- Dates are YYYY-MM-DD. Booleans are true or false. Select fields use one of the listed options verbatim.
- Confidence reflects how legible and unambiguous the value is in the text.`

func (c *Claude) Extract(ctx context.Context, docType, text string) (map[string]model.ExtractedValue, error) {
	reqs := c.catalog.RequirementsFor(docType)
	if len(reqs) == 0 {
		return nil, eris.Wrapf(ErrUnknownDocumentType, "%q", docType)
	}

	temp := 0.0
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System: []anthropic.SystemBlock{
			{Text: claudeSystemPrompt, CacheControl: &anthropic.CacheControl{TTL: "5m"}},
		},
		Messages: []anthropic.Message{
			{Role: "user", Content: buildPrompt(docType, reqs, text)},
		},
		Temperature: &temp,
	})
	if err != nil {
		return nil, classify(err)
	}
	resp.Usage.LogUsage(c.cfg.Model, docType)

	return parseFields(docType, resp.Text(), reqs)
}

func buildPrompt(docType string, reqs []model.FieldRequirement, text string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document type: %s\n\nFields to extract:\n", docType)
	for _, fr := range reqs {
		fmt.Fprintf(&b, "- %s (%s, %s)", fr.Key, fr.DisplayName, fr.DataType)
		if len(fr.Options) > 0 {
			fmt.Fprintf(&b, " options: %s", strings.Join(fr.Options, " | "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nDocument text:\n<document>\n")
	b.WriteString(text)
	b.WriteString("\n</document>")
	return b.String()
}

// classify maps API failures onto the extraction error taxonomy.
func classify(err error) error {
	code := anthropic.StatusCode(err)
	switch {
	case code == 0:
		return err
	case resilience.IsTransientHTTPStatus(code):
		return resilience.NewTransientError(err, code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return eris.Wrapf(ErrUnavailable, "status %d: %v", code, err)
	default:
		return err
	}
}

type rawField struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

type rawPayload struct {
	Fields map[string]rawField `json:"fields"`
}

func parseFields(docType, text string, reqs []model.FieldRequirement) (map[string]model.ExtractedValue, error) {
	body := cleanJSON(text)

	var payload rawPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "%s: %v", docType, err)
	}
	if payload.Fields == nil {
		// Some answers drop the wrapper object.
		if err := json.Unmarshal([]byte(body), &payload.Fields); err != nil {
			return nil, eris.Wrapf(ErrMalformedResponse, "%s: no fields object", docType)
		}
	}

	wanted := make(map[string]bool, len(reqs))
	for _, fr := range reqs {
		wanted[fr.Key] = true
	}

	out := make(map[string]model.ExtractedValue, len(payload.Fields))
	for key, f := range payload.Fields {
		if !wanted[key] {
			zap.L().Debug("extract: dropping unrequested key",
				zap.String("doc_type", docType), zap.String("key", key))
			continue
		}
		v, ok := stringify(f.Value)
		if !ok {
			continue
		}
		out[key] = model.ExtractedValue{Value: v, Confidence: clampConfidence(f.Confidence)}
	}
	return out, nil
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// cleanJSON attempts to extract a JSON object from text that may contain
// markdown code fences or other wrapping.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}
