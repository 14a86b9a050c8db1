package model

import "time"

// SessionStatus represents the current state of an analysis session.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "not_started"
	SessionStatusStarted    SessionStatus = "started"
	SessionStatusAnalyzing  SessionStatus = "analyzing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// ActiveSessionStatuses are the in-flight states guarded by the
// one-active-session-per-application rule.
var ActiveSessionStatuses = []SessionStatus{SessionStatusStarted, SessionStatusAnalyzing}

// IsActive reports whether the status is an in-flight state.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusStarted || s == SessionStatusAnalyzing
}

// IsTerminal reports whether no further transitions are possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// AnalysisSession is one extraction pass over an application's uploaded documents.
type AnalysisSession struct {
	ID                string        `json:"id"`
	ApplicationID     string        `json:"application_id"`
	Status            SessionStatus `json:"status"`
	Reanalysis        bool          `json:"reanalysis"`
	DocumentsTotal    int           `json:"documents_total"`
	DocumentsAnalyzed int           `json:"documents_analyzed"`
	CurrentDocument   string        `json:"current_document,omitempty"`
	CompletenessScore float64       `json:"completeness_score"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NotStartedSession is the snapshot reported for an application that has
// never requested analysis.
func NotStartedSession(applicationID string) *AnalysisSession {
	return &AnalysisSession{
		ApplicationID: applicationID,
		Status:        SessionStatusNotStarted,
	}
}

// UploadedDocument is a document the applicant supplied, with the text the
// OCR collaborator produced for it.
type UploadedDocument struct {
	ID            string    `json:"id"`
	ApplicationID string    `json:"application_id"`
	DocType       string    `json:"doc_type"`
	Filename      string    `json:"filename,omitempty"`
	Text          string    `json:"text,omitempty"`
	UploadedAt    time.Time `json:"uploaded_at"`
}
