package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visadoc/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var sessionCols = []string{"id", "application_id", "status", "reanalysis", "documents_total", "documents_analyzed",
	"current_document", "completeness_score", "error_message", "started_at", "completed_at", "updated_at"}

func TestPostgresStore_CreateSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO analysis_sessions .* WHERE NOT EXISTS`).
		WithArgs(pgxmock.AnyArg(), "app-1", "started", true, 3, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sess, err := s.CreateSession(context.Background(), NewSession{ApplicationID: "app-1", Reanalysis: true, DocumentsTotal: 3})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusStarted, sess.Status)
	assert.Equal(t, 3, sess.DocumentsTotal)
	assert.Zero(t, sess.DocumentsAnalyzed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateSession_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO analysis_sessions`).
		WithArgs(pgxmock.AnyArg(), "app-1", "started", false, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := s.CreateSession(context.Background(), NewSession{ApplicationID: "app-1"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrSessionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateSession_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO analysis_sessions`).
		WithArgs(pgxmock.AnyArg(), "app-1", "started", false, 0, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_sessions_one_active"})

	_, err := s.CreateSession(context.Background(), NewSession{ApplicationID: "app-1"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrSessionConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM analysis_sessions\s+WHERE application_id = \$1 ORDER BY started_at DESC LIMIT 1`).
		WithArgs("app-1").
		WillReturnRows(pgxmock.NewRows(sessionCols).
			AddRow("sess-1", "app-1", "analyzing", false, 3, 1, "nid", 0.0, "", now, (*time.Time)(nil), now))

	sess, err := s.LatestSession(context.Background(), "app-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, model.SessionStatusAnalyzing, sess.Status)
	assert.Equal(t, 1, sess.DocumentsAnalyzed)
	assert.Equal(t, "nid", sess.CurrentDocument)
	assert.Nil(t, sess.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestSession_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM analysis_sessions`).
		WithArgs("app-none").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LatestSession(context.Background(), "app-none")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkAnalyzing_InvalidTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE analysis_sessions SET status = \$1, updated_at = now\(\) WHERE id = \$2 AND status = \$3`).
		WithArgs("analyzing", "sess-1", "started").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkAnalyzing(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementAnalyzed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE analysis_sessions SET documents_analyzed = documents_analyzed \+ 1`).
		WithArgs("sess-1", "analyzing").
		WillReturnRows(pgxmock.NewRows([]string{"documents_analyzed"}).AddRow(2))

	n, err := s.IncrementAnalyzed(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompleteAndFail(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE analysis_sessions\s+SET status = \$1, completeness_score = \$2`).
		WithArgs("completed", 87.5, "sess-1", "analyzing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE analysis_sessions\s+SET status = \$1, error_message = \$2`).
		WithArgs("failed", "extraction unavailable", "sess-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteSession(ctx, "sess-1", 87.5))
	require.NoError(t, s.FailSession(ctx, "sess-2", "extraction unavailable"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeFields_PreferConfident(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_extracted_fields"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_extracted_fields"}, fieldColumns).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("application_id", "key"\) DO UPDATE SET .* WHERE extracted_fields.source <> 'questionnaire'`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.MergeFields(context.Background(), "app-1", model.UploadedSource("passport"), map[string]model.ExtractedValue{
		"passport.passport_number": {Value: "A12345678", Confidence: 0.65},
		"personal.full_name":       {Value: "Rahim Uddin", Confidence: 0.9},
	}, model.MergePreferConfident)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MergeFields_FillOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_extracted_fields"}, fieldColumns).WillReturnResult(1)
	mock.ExpectExec(`ON CONFLICT \("application_id", "key"\) DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.MergeFields(context.Background(), "app-1", model.UploadedSource("nid"), map[string]model.ExtractedValue{
		"nid.nid_number": {Confidence: 0},
	}, model.MergeFillOnly)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFieldUpsertConfig(t *testing.T) {
	force, err := fieldUpsertConfig(model.MergeForce)
	require.NoError(t, err)
	assert.Empty(t, force.Where)
	assert.False(t, force.IgnoreConflicts)

	_, err = fieldUpsertConfig("sometimes")
	assert.Error(t, err)
}

func TestPostgresStore_SaveResponse(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO questionnaire_responses`).
		WithArgs("app-1", "travel.trip_purpose", "tourism", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO extracted_fields .* VALUES \(\$1, \$2, \$3, 1.0, \$4, \$5\)`).
		WithArgs("app-1", "travel.trip_purpose", "tourism", model.SourceQuestionnaire, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.SaveResponse(context.Background(), model.QuestionnaireResponse{
		ApplicationID: "app-1", Key: "travel.trip_purpose", Answer: "tourism",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFields(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT application_id, key, value, confidence, source, updated_at FROM extracted_fields`).
		WithArgs("app-1").
		WillReturnRows(pgxmock.NewRows([]string{"application_id", "key", "value", "confidence", "source", "updated_at"}).
			AddRow("app-1", "passport.passport_number", "A12345678", 0.65, "uploaded:passport", now).
			AddRow("app-1", "personal.full_name", "Rahim Uddin", 1.0, "questionnaire", now))

	fields, err := s.GetFields(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.True(t, fields["personal.full_name"].FromQuestionnaire())
	assert.InDelta(t, 0.65, fields["passport.passport_number"].Confidence, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDocuments(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, application_id, doc_type, filename, text, uploaded_at\s+FROM documents WHERE application_id = \$1 ORDER BY seq`).
		WithArgs("app-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "application_id", "doc_type", "filename", "text", "uploaded_at"}).
			AddRow("d1", "app-1", "passport", "passport.pdf", "P<BGD...", now).
			AddRow("d2", "app-1", "nid", "nid.jpg", "NID ...", now))

	docs, err := s.ListDocuments(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "passport", docs[0].DocType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWithRetry(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	fast := connectRetry
	fast.InitialBackoff = time.Millisecond
	fast.MaxBackoff = time.Millisecond
	fast.OnRetry = nil

	mock.ExpectPing().WillReturnError(eris.New("connection refused"))
	mock.ExpectPing().WillReturnError(eris.New("the database system is starting up"))
	mock.ExpectPing()

	require.NoError(t, pingWithRetry(context.Background(), mock, fast))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWithRetry_GivesUp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	fast := connectRetry
	fast.MaxAttempts = 2
	fast.InitialBackoff = time.Millisecond
	fast.OnRetry = nil

	mock.ExpectPing().WillReturnError(eris.New("connection refused"))
	mock.ExpectPing().WillReturnError(eris.New("connection refused"))

	err = pingWithRetry(context.Background(), mock, fast)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWithRetry_StopsOnCancel(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	mock.ExpectPing().WillReturnError(context.Canceled)

	err = pingWithRetry(context.Background(), mock, connectRetry)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, mock.ExpectationsWereMet())
}
