package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCondition_Evaluate(t *testing.T) {
	fields := FieldSet{
		"personal.marital_status": {Key: "personal.marital_status", Value: "Married", Confidence: 1},
		"assets.owns_property":    {Key: "assets.owns_property", Value: "yes", Confidence: 0.8},
		"employment.status":       {Key: "employment.status", Value: "business_owner", Confidence: 1},
	}

	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"nil condition always holds", nil, true},
		{"equals case-insensitive", &Condition{Field: "personal.marital_status", Equals: "married"}, true},
		{"equals mismatch", &Condition{Field: "personal.marital_status", Equals: "single"}, false},
		{"boolean yes normalised", &Condition{Field: "assets.owns_property", Equals: "true"}, true},
		{"in matches", &Condition{Field: "employment.status", In: []string{"self_employed", "business_owner"}}, true},
		{"in misses", &Condition{Field: "employment.status", In: []string{"employed"}}, false},
		{"missing field is false", &Condition{Field: "personal.has_children", Equals: "true"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Evaluate(fields))
		})
	}
}

func TestPriority_Rank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityImportant.Rank())
	assert.Less(t, PriorityImportant.Rank(), PriorityOptional.Rank())
	assert.Greater(t, Priority("urgent").Rank(), PriorityOptional.Rank())
	assert.False(t, Priority("urgent").Valid())
}

func TestDataType_Valid(t *testing.T) {
	assert.True(t, DataTypeArray.Valid())
	assert.True(t, DataTypeEmail.Valid())
	assert.False(t, DataType("blob").Valid())
}

func TestFieldSet_HasAndValue(t *testing.T) {
	fs := FieldSet{
		"passport.passport_number": {Value: "A12345678", Confidence: 0.65, Source: UploadedSource("passport")},
		"nid.nid_number":           {Value: "", Confidence: 0, Source: UploadedSource("nid")},
	}
	assert.True(t, fs.Has("passport.passport_number"))
	assert.True(t, fs.Has("nid.nid_number"))
	assert.False(t, fs.Has("personal.email"))

	v, ok := fs.Value("passport.passport_number")
	assert.True(t, ok)
	assert.Equal(t, "A12345678", v)
	assert.False(t, fs["passport.passport_number"].FromQuestionnaire())
}

func TestFieldRequirement_Namespace(t *testing.T) {
	f := FieldRequirement{Key: "travel.trip_purpose"}
	assert.Equal(t, "travel", f.Namespace())
}

func TestUploadedSource(t *testing.T) {
	assert.Equal(t, "uploaded:passport", UploadedSource("passport"))
}
