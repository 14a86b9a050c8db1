package model

import "time"

// Category groups questions for display. It carries no logic.
type Category string

const (
	CategoryPersonal     Category = "personal"
	CategoryTravel       Category = "travel"
	CategoryEmployment   Category = "employment"
	CategoryFinancial    Category = "financial"
	CategoryAssets       Category = "assets"
	CategoryHomeTies     Category = "home_ties"
	CategoryVerification Category = "verification"
)

// CategoryOrder is the fixed display order across categories.
var CategoryOrder = []Category{
	CategoryPersonal,
	CategoryTravel,
	CategoryEmployment,
	CategoryFinancial,
	CategoryAssets,
	CategoryHomeTies,
	CategoryVerification,
}

// CategoryRank returns the display position of c.
func CategoryRank(c Category) int {
	for i, o := range CategoryOrder {
		if o == c {
			return i
		}
	}
	return len(CategoryOrder)
}

// Question is one entry of the adaptive questionnaire.
type Question struct {
	Key            string     `json:"key"`
	Text           string     `json:"text"`
	DataType       DataType   `json:"data_type"`
	Priority       Priority   `json:"priority"`
	Category       Category   `json:"category"`
	Options        []string   `json:"options,omitempty"`
	SubFields      []SubField `json:"sub_fields,omitempty"`
	HelpText       string     `json:"help_text,omitempty"`
	IsVerification bool       `json:"is_verification"`
	Required       bool       `json:"required"`
	CurrentValue   string     `json:"current_value,omitempty"`
}

// QuestionnaireResponse is an applicant's answer for one field.
type QuestionnaireResponse struct {
	ApplicationID string    `json:"application_id"`
	Key           string    `json:"key"`
	Answer        string    `json:"answer"`
	AnsweredAt    time.Time `json:"answered_at"`
}

// Progress is derived questionnaire completion. It is never stored.
type Progress struct {
	TotalQuestions     int     `json:"total_questions"`
	AnsweredQuestions  int     `json:"answered_questions"`
	TotalRequired      int     `json:"total_required"`
	AnsweredRequired   int     `json:"answered_required"`
	Percentage         float64 `json:"percentage"`
	RequiredPercentage float64 `json:"required_percentage"`
}
