// Package store persists uploaded documents, the per-application Field Store,
// questionnaire responses and analysis sessions.
package store

import (
	"context"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visadoc/internal/model"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrSessionConflict is returned when an application already has an
	// analysis session in flight.
	ErrSessionConflict = eris.New("store: analysis already in progress")
	// ErrInvalidTransition is returned when a session is not in the state a
	// conditional update expects.
	ErrInvalidTransition = eris.New("store: invalid session transition")
)

// NewSession describes a session to create.
type NewSession struct {
	ApplicationID  string
	Reanalysis     bool
	DocumentsTotal int
}

// Store defines the persistence interface for document analysis.
type Store interface {
	// Documents
	AddDocument(ctx context.Context, doc model.UploadedDocument) (*model.UploadedDocument, error)
	ListDocuments(ctx context.Context, applicationID string) ([]model.UploadedDocument, error)

	// Field Store
	GetFields(ctx context.Context, applicationID string) (model.FieldSet, error)
	// MergeFields writes automated values for one source under mode and
	// returns how many keys were written.
	MergeFields(ctx context.Context, applicationID, source string, values map[string]model.ExtractedValue, mode model.MergeMode) (int, error)

	// Questionnaire responses. SaveResponse also upserts the field with
	// source questionnaire and confidence 1.
	SaveResponse(ctx context.Context, resp model.QuestionnaireResponse) error
	ListResponses(ctx context.Context, applicationID string) ([]model.QuestionnaireResponse, error)

	// Analysis sessions. CreateSession returns ErrSessionConflict when a
	// started or analyzing session exists for the application. The update
	// methods are conditional on the current status and return
	// ErrInvalidTransition when it does not match.
	CreateSession(ctx context.Context, ns NewSession) (*model.AnalysisSession, error)
	GetSession(ctx context.Context, id string) (*model.AnalysisSession, error)
	LatestSession(ctx context.Context, applicationID string) (*model.AnalysisSession, error)
	MarkAnalyzing(ctx context.Context, id string) error
	SetCurrentDocument(ctx context.Context, id, docType string) error
	IncrementAnalyzed(ctx context.Context, id string) (int, error)
	CompleteSession(ctx context.Context, id string, score float64) error
	FailSession(ctx context.Context, id, message string) error
	// ListStaleSessions returns active sessions not updated since before.
	ListStaleSessions(ctx context.Context, before time.Time) ([]model.AnalysisSession, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// activeStatusSQL is the SQL list of in-flight session statuses.
const activeStatusSQL = `('started', 'analyzing')`

// preferConfidentWhere guards automated overwrites: questionnaire values are
// kept and an automated value is replaced only by one at least as confident.
// Valid in both SQLite and PostgreSQL upsert syntax.
const preferConfidentWhere = `extracted_fields.source <> 'questionnaire' AND excluded.confidence >= extracted_fields.confidence`

func sortedKeys(values map[string]model.ExtractedValue) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
