package model

import (
	"slices"
	"strings"
	"time"
)

// DataType is the input type of a field requirement.
type DataType string

const (
	DataTypeText     DataType = "text"
	DataTypeTextarea DataType = "textarea"
	DataTypeDate     DataType = "date"
	DataTypeNumber   DataType = "number"
	DataTypeBoolean  DataType = "boolean"
	DataTypeSelect   DataType = "select"
	DataTypeEmail    DataType = "email"
	DataTypeArray    DataType = "array"
)

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeText, DataTypeTextarea, DataTypeDate, DataTypeNumber,
		DataTypeBoolean, DataTypeSelect, DataTypeEmail, DataTypeArray:
		return true
	}
	return false
}

// Priority ranks how important a field is for the generated documents.
type Priority string

const (
	PriorityCritical  Priority = "critical"
	PriorityImportant Priority = "important"
	PriorityOptional  Priority = "optional"
)

// priorityRank maps priorities to numeric ranks for ordering.
// Lower rank means higher priority.
var priorityRank = map[Priority]int{
	PriorityCritical:  0,
	PriorityImportant: 1,
	PriorityOptional:  2,
}

// Rank returns the sort rank of p. Unknown priorities sort last.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityRank[p]
	return ok
}

// SubField is one column of an array-of-subfields requirement.
type SubField struct {
	Key         string   `json:"key" yaml:"key"`
	DisplayName string   `json:"display_name" yaml:"display_name"`
	DataType    DataType `json:"data_type" yaml:"data_type"`
}

// Condition gates a question on the value of another field. Exactly one of
// Equals or In is set.
type Condition struct {
	Field  string   `json:"field" yaml:"field"`
	Equals string   `json:"equals,omitempty" yaml:"equals,omitempty"`
	In     []string `json:"in,omitempty" yaml:"in,omitempty"`
}

// Evaluate reports whether the condition holds against the given fields.
// A condition on a field with no recorded value is false.
func (c *Condition) Evaluate(fields FieldSet) bool {
	if c == nil {
		return true
	}
	v, ok := fields.Value(c.Field)
	if !ok {
		return false
	}
	v = normalizeConditionValue(v)
	if c.Equals != "" {
		return v == normalizeConditionValue(c.Equals)
	}
	for _, want := range c.In {
		if v == normalizeConditionValue(want) {
			return true
		}
	}
	return false
}

func normalizeConditionValue(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "yes", "y", "1":
		return "true"
	case "no", "n", "0":
		return "false"
	}
	return s
}

// FieldRequirement is an immutable catalog entry describing one field.
type FieldRequirement struct {
	Key          string     `json:"key" yaml:"key"`
	DisplayName  string     `json:"display_name" yaml:"display_name"`
	QuestionText string     `json:"question_text" yaml:"question_text"`
	DataType     DataType   `json:"data_type" yaml:"data_type"`
	Priority     Priority   `json:"priority" yaml:"priority"`
	Options      []string   `json:"options,omitempty" yaml:"options,omitempty"`
	HelpText     string     `json:"help_text,omitempty" yaml:"help_text,omitempty"`
	SubFields    []SubField `json:"sub_fields,omitempty" yaml:"sub_fields,omitempty"`
	Conditional  *Condition `json:"conditional,omitempty" yaml:"conditional,omitempty"`
}

// Clone returns a copy that shares no memory with f.
func (f FieldRequirement) Clone() FieldRequirement {
	f.Options = slices.Clone(f.Options)
	f.SubFields = slices.Clone(f.SubFields)
	if f.Conditional != nil {
		c := *f.Conditional
		c.In = slices.Clone(c.In)
		f.Conditional = &c
	}
	return f
}

// Namespace returns the leading segment of the dotted key.
func (f *FieldRequirement) Namespace() string {
	ns, _, _ := strings.Cut(f.Key, ".")
	return ns
}

// DocumentTypeSpec describes one document type and the fields it depends on.
type DocumentTypeSpec struct {
	TypeID         string   `json:"type_id" yaml:"type_id"`
	DisplayName    string   `json:"display_name" yaml:"display_name"`
	IsMandatory    bool     `json:"is_mandatory" yaml:"is_mandatory"`
	CanBeGenerated bool     `json:"can_be_generated" yaml:"can_be_generated"`
	FieldKeys      []string `json:"field_keys" yaml:"field_keys"`
}

// Clone returns a copy that shares no memory with d.
func (d DocumentTypeSpec) Clone() DocumentTypeSpec {
	d.FieldKeys = slices.Clone(d.FieldKeys)
	return d
}

// SourceQuestionnaire marks a field value supplied by the applicant.
const SourceQuestionnaire = "questionnaire"

// UploadedSource returns the source tag for a value extracted from a document.
func UploadedSource(docType string) string {
	return "uploaded:" + docType
}

// ExtractedValue is one field returned by the extraction collaborator.
type ExtractedValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// ExtractedField is the live value of one field for one application.
type ExtractedField struct {
	ApplicationID string    `json:"application_id"`
	Key           string    `json:"key"`
	Value         string    `json:"value"`
	Confidence    float64   `json:"confidence"`
	Source        string    `json:"source"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FromQuestionnaire reports whether the value was supplied by the applicant.
func (f ExtractedField) FromQuestionnaire() bool {
	return f.Source == SourceQuestionnaire
}

// FieldSet is a snapshot of an application's Field Store keyed by field key.
type FieldSet map[string]ExtractedField

// Value returns the stored value for key.
func (s FieldSet) Value(key string) (string, bool) {
	f, ok := s[key]
	if !ok {
		return "", false
	}
	return f.Value, true
}

// Has reports whether any value, of any confidence, is recorded for key.
func (s FieldSet) Has(key string) bool {
	f, ok := s[key]
	return ok && f.Confidence >= 0
}

// MergeMode selects how an automated extraction is merged into the Field Store.
type MergeMode string

const (
	// MergePreferConfident inserts absent keys and replaces automated values
	// when the incoming confidence is at least as high. Questionnaire values
	// are never replaced.
	MergePreferConfident MergeMode = "prefer_confident"
	// MergeForce replaces any existing value. Used for explicit re-analysis.
	MergeForce MergeMode = "force"
	// MergeFillOnly inserts only when the key has no value yet.
	MergeFillOnly MergeMode = "fill_only"
)
