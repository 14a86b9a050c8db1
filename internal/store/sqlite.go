package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/visadoc/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The busy timeout is applied to every pooled connection through the DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	application_id TEXT NOT NULL,
	doc_type       TEXT NOT NULL,
	filename       TEXT NOT NULL DEFAULT '',
	text           TEXT NOT NULL DEFAULT '',
	uploaded_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	application_id TEXT NOT NULL,
	key            TEXT NOT NULL,
	value          TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source         TEXT NOT NULL,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (application_id, key)
);

CREATE TABLE IF NOT EXISTS questionnaire_responses (
	application_id TEXT NOT NULL,
	key            TEXT NOT NULL,
	answer         TEXT NOT NULL,
	answered_at    DATETIME NOT NULL,
	PRIMARY KEY (application_id, key)
);

CREATE TABLE IF NOT EXISTS analysis_sessions (
	id                 TEXT PRIMARY KEY,
	application_id     TEXT NOT NULL,
	status             TEXT NOT NULL CHECK (status IN ('started', 'analyzing', 'completed', 'failed')),
	reanalysis         INTEGER NOT NULL DEFAULT 0,
	documents_total    INTEGER NOT NULL DEFAULT 0,
	documents_analyzed INTEGER NOT NULL DEFAULT 0,
	current_document   TEXT NOT NULL DEFAULT '',
	completeness_score REAL NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	started_at         DATETIME NOT NULL,
	completed_at       DATETIME,
	updated_at         DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_application ON documents(application_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_application ON analysis_sessions(application_id, started_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON analysis_sessions(application_id)
	WHERE status IN ('started', 'analyzing');
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- documents ---

func (s *SQLiteStore) AddDocument(ctx context.Context, doc model.UploadedDocument) (*model.UploadedDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, application_id, doc_type, filename, text, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ApplicationID, doc.DocType, doc.Filename, doc.Text, doc.UploadedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert document for %s", doc.ApplicationID)
	}
	return &doc, nil
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, applicationID string) ([]model.UploadedDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, application_id, doc_type, filename, text, uploaded_at
		 FROM documents WHERE application_id = ? ORDER BY seq`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	docs := []model.UploadedDocument{}
	for rows.Next() {
		var d model.UploadedDocument
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.DocType, &d.Filename, &d.Text, &d.UploadedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

// --- field store ---

func (s *SQLiteStore) GetFields(ctx context.Context, applicationID string) (model.FieldSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT application_id, key, value, confidence, source, updated_at
		 FROM extracted_fields WHERE application_id = ?`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get fields")
	}
	defer rows.Close()

	fields := model.FieldSet{}
	for rows.Next() {
		var f model.ExtractedField
		if err := rows.Scan(&f.ApplicationID, &f.Key, &f.Value, &f.Confidence, &f.Source, &f.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan field")
		}
		fields[f.Key] = f
	}
	return fields, eris.Wrap(rows.Err(), "sqlite: get fields iterate")
}

func mergeStatement(mode model.MergeMode) (string, error) {
	const insert = `INSERT INTO extracted_fields (application_id, key, value, confidence, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (application_id, key) `
	const update = `DO UPDATE SET value = excluded.value, confidence = excluded.confidence,
		source = excluded.source, updated_at = excluded.updated_at`
	switch mode {
	case model.MergePreferConfident:
		return insert + update + ` WHERE ` + preferConfidentWhere, nil
	case model.MergeForce:
		return insert + update, nil
	case model.MergeFillOnly:
		return insert + `DO NOTHING`, nil
	}
	return "", eris.Errorf("sqlite: unknown merge mode %q", mode)
}

func (s *SQLiteStore) MergeFields(ctx context.Context, applicationID, source string, values map[string]model.ExtractedValue, mode model.MergeMode) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	stmt, err := mergeStatement(mode)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: merge fields begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	written := 0
	for _, key := range sortedKeys(values) {
		v := values[key]
		res, err := tx.ExecContext(ctx, stmt, applicationID, key, v.Value, v.Confidence, source, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: merge field %s", key)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		written += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: merge fields commit")
	}
	return written, nil
}

// --- questionnaire responses ---

func (s *SQLiteStore) SaveResponse(ctx context.Context, resp model.QuestionnaireResponse) error {
	if resp.AnsweredAt.IsZero() {
		resp.AnsweredAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: save response begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO questionnaire_responses (application_id, key, answer, answered_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (application_id, key) DO UPDATE SET answer = excluded.answer, answered_at = excluded.answered_at`,
		resp.ApplicationID, resp.Key, resp.Answer, resp.AnsweredAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert response %s", resp.Key)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO extracted_fields (application_id, key, value, confidence, source, updated_at) VALUES (?, ?, ?, 1.0, ?, ?)
		 ON CONFLICT (application_id, key) DO UPDATE SET value = excluded.value, confidence = excluded.confidence,
		 source = excluded.source, updated_at = excluded.updated_at`,
		resp.ApplicationID, resp.Key, resp.Answer, model.SourceQuestionnaire, resp.AnsweredAt,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert answered field %s", resp.Key)
	}
	return eris.Wrap(tx.Commit(), "sqlite: save response commit")
}

func (s *SQLiteStore) ListResponses(ctx context.Context, applicationID string) ([]model.QuestionnaireResponse, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT application_id, key, answer, answered_at FROM questionnaire_responses
		 WHERE application_id = ? ORDER BY answered_at, key`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list responses")
	}
	defer rows.Close()

	out := []model.QuestionnaireResponse{}
	for rows.Next() {
		var r model.QuestionnaireResponse
		if err := rows.Scan(&r.ApplicationID, &r.Key, &r.Answer, &r.AnsweredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan response")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list responses iterate")
}

// --- analysis sessions ---

const sessionColumns = `id, application_id, status, reanalysis, documents_total, documents_analyzed,
	current_document, completeness_score, error_message, started_at, completed_at, updated_at`

func (s *SQLiteStore) CreateSession(ctx context.Context, ns NewSession) (*model.AnalysisSession, error) {
	now := time.Now().UTC()
	sess := &model.AnalysisSession{
		ID:             uuid.New().String(),
		ApplicationID:  ns.ApplicationID,
		Status:         model.SessionStatusStarted,
		Reanalysis:     ns.Reanalysis,
		DocumentsTotal: ns.DocumentsTotal,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_sessions (id, application_id, status, reanalysis, documents_total, started_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM analysis_sessions WHERE application_id = ? AND status IN `+activeStatusSQL+`
		 )`,
		sess.ID, sess.ApplicationID, string(sess.Status), sess.Reanalysis, sess.DocumentsTotal, now, now,
		sess.ApplicationID,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, eris.Wrapf(ErrSessionConflict, "application %s", ns.ApplicationID)
		}
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrSessionConflict, "application %s", ns.ApplicationID)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.AnalysisSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions WHERE id = ?`, id)
	return scanSession(row, id)
}

func (s *SQLiteStore) LatestSession(ctx context.Context, applicationID string) (*model.AnalysisSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions
		 WHERE application_id = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		applicationID,
	)
	return scanSession(row, applicationID)
}

func (s *SQLiteStore) MarkAnalyzing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.SessionStatusAnalyzing), time.Now().UTC(), id, string(model.SessionStatusStarted),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark analyzing %s", id)
	}
	return checkTransition(res, id)
}

func (s *SQLiteStore) SetCurrentDocument(ctx context.Context, id, docType string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_sessions SET current_document = ?, updated_at = ? WHERE id = ? AND status = ?`,
		docType, time.Now().UTC(), id, string(model.SessionStatusAnalyzing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set current document %s", id)
	}
	return checkTransition(res, id)
}

func (s *SQLiteStore) IncrementAnalyzed(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`UPDATE analysis_sessions SET documents_analyzed = documents_analyzed + 1, updated_at = ?
		 WHERE id = ? AND status = ? RETURNING documents_analyzed`,
		time.Now().UTC(), id, string(model.SessionStatusAnalyzing),
	).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, eris.Wrapf(ErrInvalidTransition, "session %s", id)
	}
	return n, eris.Wrapf(err, "sqlite: increment analyzed %s", id)
}

func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, score float64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_sessions
		 SET status = ?, completeness_score = ?, current_document = '', completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.SessionStatusCompleted), score, now, now, id, string(model.SessionStatusAnalyzing),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete session %s", id)
	}
	return checkTransition(res, id)
}

func (s *SQLiteStore) FailSession(ctx context.Context, id, message string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE analysis_sessions
		 SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN `+activeStatusSQL,
		string(model.SessionStatusFailed), message, now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail session %s", id)
	}
	return checkTransition(res, id)
}

func (s *SQLiteStore) ListStaleSessions(ctx context.Context, before time.Time) ([]model.AnalysisSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions
		 WHERE status IN `+activeStatusSQL+` AND updated_at < ? ORDER BY updated_at`,
		before.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stale sessions")
	}
	defer rows.Close()

	var out []model.AnalysisSession
	for rows.Next() {
		sess, err := scanSession(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stale sessions iterate")
}

// helpers

func checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "session %s", id)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable, ref string) (*model.AnalysisSession, error) {
	var sess model.AnalysisSession
	var completedAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.ApplicationID, &sess.Status, &sess.Reanalysis,
		&sess.DocumentsTotal, &sess.DocumentsAnalyzed, &sess.CurrentDocument,
		&sess.CompletenessScore, &sess.ErrorMessage, &sess.StartedAt, &completedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "session %s", ref)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}
