package tracker

import (
	"encoding/json"
	"math"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/visadoc/internal/model"
)

const (
	maxTextRunes     = 500
	maxTextareaRunes = 5000
	dateLayout       = "2006-01-02"
)

// groupedNumber matches comma digit grouping: thousands (1,250,000) or
// lakh (12,50,000).
var groupedNumber = regexp.MustCompile(`^[+-]?(\d{1,3}(,\d{3})+|\d{1,2}(,\d{2})*,\d{3})(\.\d+)?$`)

// ValidationError rejects one answer.
type ValidationError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string { return e.Key + ": " + e.Message }

// ValidationErrors collects the rejected answers of a batch.
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return strings.Join(msgs, "; ")
}

func invalid(key, msg string) *ValidationError {
	return &ValidationError{Key: key, Message: msg}
}

// normalize checks answer against the requirement and returns the form that
// is stored.
func normalize(fr model.FieldRequirement, answer string) (string, error) {
	s := norm.NFC.String(strings.TrimSpace(answer))
	if s == "" {
		return "", invalid(fr.Key, "answer is required")
	}

	switch fr.DataType {
	case model.DataTypeText:
		if utf8.RuneCountInString(s) > maxTextRunes {
			return "", invalid(fr.Key, "answer is longer than 500 characters")
		}
		return s, nil

	case model.DataTypeTextarea:
		if utf8.RuneCountInString(s) > maxTextareaRunes {
			return "", invalid(fr.Key, "answer is longer than 5000 characters")
		}
		return s, nil

	case model.DataTypeDate:
		if _, err := time.Parse(dateLayout, s); err != nil {
			return "", invalid(fr.Key, "date must be YYYY-MM-DD")
		}
		return s, nil

	case model.DataTypeNumber:
		if strings.Contains(s, ",") {
			if !groupedNumber.MatchString(s) {
				return "", invalid(fr.Key, "commas are only allowed as digit group separators")
			}
			s = strings.ReplaceAll(s, ",", "")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return "", invalid(fr.Key, "answer must be a number")
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil

	case model.DataTypeBoolean:
		switch cases.Fold().String(s) {
		case "true", "yes", "y", "1":
			return "true", nil
		case "false", "no", "n", "0":
			return "false", nil
		}
		return "", invalid(fr.Key, "answer must be yes or no")

	case model.DataTypeSelect:
		fold := cases.Fold()
		want := fold.String(s)
		for _, opt := range fr.Options {
			if fold.String(opt) == want {
				return opt, nil
			}
		}
		return "", invalid(fr.Key, "answer must be one of: "+strings.Join(fr.Options, ", "))

	case model.DataTypeEmail:
		addr, err := mail.ParseAddress(s)
		if err != nil {
			return "", invalid(fr.Key, "answer must be an email address")
		}
		return addr.Address, nil

	case model.DataTypeArray:
		return normalizeArray(fr, s)
	}
	return "", invalid(fr.Key, "unsupported data type "+string(fr.DataType))
}

func normalizeArray(fr model.FieldRequirement, s string) (string, error) {
	var entries []map[string]any
	if err := json.Unmarshal([]byte(s), &entries); err != nil {
		return "", invalid(fr.Key, "answer must be a JSON list of entries")
	}
	if len(entries) == 0 {
		return "", invalid(fr.Key, "at least one entry is required")
	}

	allowed := make(map[string]bool, len(fr.SubFields))
	for _, sf := range fr.SubFields {
		allowed[sf.Key] = true
	}
	for i, entry := range entries {
		if len(entry) == 0 {
			return "", invalid(fr.Key, "entry "+strconv.Itoa(i+1)+" is empty")
		}
		for k := range entry {
			if !allowed[k] {
				return "", invalid(fr.Key, "entry "+strconv.Itoa(i+1)+" has unknown field "+strconv.Quote(k))
			}
		}
	}

	out, err := json.Marshal(entries)
	if err != nil {
		return "", invalid(fr.Key, "answer could not be encoded")
	}
	return string(out), nil
}
