package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visadoc/internal/db"
	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// connectRetry covers a database that is still starting when the process
// comes up.
var connectRetry = resilience.RetryConfig{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
	ShouldRetry: func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	},
	OnRetry: resilience.RetryLogger("postgres", "ping"),
}

func pingWithRetry(ctx context.Context, pool db.Pool, cfg resilience.RetryConfig) error {
	return resilience.Do(ctx, cfg, pool.Ping)
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pingWithRetry(ctx, pool, connectRetry); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	seq            BIGSERIAL PRIMARY KEY,
	id             TEXT NOT NULL UNIQUE,
	application_id TEXT NOT NULL,
	doc_type       TEXT NOT NULL,
	filename       TEXT NOT NULL DEFAULT '',
	text           TEXT NOT NULL DEFAULT '',
	uploaded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS extracted_fields (
	application_id TEXT NOT NULL,
	key            TEXT NOT NULL,
	value          TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	source         TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (application_id, key)
);

CREATE TABLE IF NOT EXISTS questionnaire_responses (
	application_id TEXT NOT NULL,
	key            TEXT NOT NULL,
	answer         TEXT NOT NULL,
	answered_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (application_id, key)
);

CREATE TABLE IF NOT EXISTS analysis_sessions (
	id                 TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	application_id     TEXT NOT NULL,
	status             TEXT NOT NULL CHECK (status IN ('started', 'analyzing', 'completed', 'failed')),
	reanalysis         BOOLEAN NOT NULL DEFAULT false,
	documents_total    INTEGER NOT NULL DEFAULT 0,
	documents_analyzed INTEGER NOT NULL DEFAULT 0,
	current_document   TEXT NOT NULL DEFAULT '',
	completeness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	started_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at       TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_application ON documents(application_id, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_application ON analysis_sessions(application_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_active_updated ON analysis_sessions(updated_at)
	WHERE status IN ('started', 'analyzing');
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON analysis_sessions(application_id)
	WHERE status IN ('started', 'analyzing');
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- documents ---

func (s *PostgresStore) AddDocument(ctx context.Context, doc model.UploadedDocument) (*model.UploadedDocument, error) {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, application_id, doc_type, filename, text, uploaded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		doc.ID, doc.ApplicationID, doc.DocType, doc.Filename, doc.Text, doc.UploadedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert document for %s", doc.ApplicationID)
	}
	return &doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, applicationID string) ([]model.UploadedDocument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, application_id, doc_type, filename, text, uploaded_at
		 FROM documents WHERE application_id = $1 ORDER BY seq`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	docs := []model.UploadedDocument{}
	for rows.Next() {
		var d model.UploadedDocument
		if err := rows.Scan(&d.ID, &d.ApplicationID, &d.DocType, &d.Filename, &d.Text, &d.UploadedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

// --- field store ---

func (s *PostgresStore) GetFields(ctx context.Context, applicationID string) (model.FieldSet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT application_id, key, value, confidence, source, updated_at FROM extracted_fields WHERE application_id = $1`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get fields")
	}
	defer rows.Close()

	fields := model.FieldSet{}
	for rows.Next() {
		var f model.ExtractedField
		if err := rows.Scan(&f.ApplicationID, &f.Key, &f.Value, &f.Confidence, &f.Source, &f.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan field")
		}
		fields[f.Key] = f
	}
	return fields, eris.Wrap(rows.Err(), "postgres: get fields iterate")
}

var fieldColumns = []string{"application_id", "key", "value", "confidence", "source", "updated_at"}

// fieldUpsertConfig maps a merge mode onto a bulk upsert.
func fieldUpsertConfig(mode model.MergeMode) (db.UpsertConfig, error) {
	cfg := db.UpsertConfig{
		Table:        "extracted_fields",
		Columns:      fieldColumns,
		ConflictKeys: []string{"application_id", "key"},
	}
	switch mode {
	case model.MergePreferConfident:
		cfg.Where = preferConfidentWhere
	case model.MergeForce:
	case model.MergeFillOnly:
		cfg.IgnoreConflicts = true
	default:
		return cfg, eris.Errorf("postgres: unknown merge mode %q", mode)
	}
	return cfg, nil
}

func (s *PostgresStore) MergeFields(ctx context.Context, applicationID, source string, values map[string]model.ExtractedValue, mode model.MergeMode) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	cfg, err := fieldUpsertConfig(mode)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(values))
	for _, key := range sortedKeys(values) {
		v := values[key]
		rows = append(rows, []any{applicationID, key, v.Value, v.Confidence, source, now})
	}

	n, err := db.BulkUpsert(ctx, s.pool, cfg, rows)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: merge fields for %s", applicationID)
	}
	return int(n), nil
}

// --- questionnaire responses ---

func (s *PostgresStore) SaveResponse(ctx context.Context, resp model.QuestionnaireResponse) error {
	if resp.AnsweredAt.IsZero() {
		resp.AnsweredAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: save response begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO questionnaire_responses (application_id, key, answer, answered_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (application_id, key) DO UPDATE SET answer = EXCLUDED.answer, answered_at = EXCLUDED.answered_at`,
		resp.ApplicationID, resp.Key, resp.Answer, resp.AnsweredAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert response %s", resp.Key)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO extracted_fields (application_id, key, value, confidence, source, updated_at) VALUES ($1, $2, $3, 1.0, $4, $5)
		 ON CONFLICT (application_id, key) DO UPDATE SET value = EXCLUDED.value, confidence = EXCLUDED.confidence,
		 source = EXCLUDED.source, updated_at = EXCLUDED.updated_at`,
		resp.ApplicationID, resp.Key, resp.Answer, model.SourceQuestionnaire, resp.AnsweredAt,
	); err != nil {
		return eris.Wrapf(err, "postgres: upsert answered field %s", resp.Key)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: save response commit")
}

func (s *PostgresStore) ListResponses(ctx context.Context, applicationID string) ([]model.QuestionnaireResponse, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT application_id, key, answer, answered_at FROM questionnaire_responses
		 WHERE application_id = $1 ORDER BY answered_at, key`,
		applicationID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list responses")
	}
	defer rows.Close()

	out := []model.QuestionnaireResponse{}
	for rows.Next() {
		var r model.QuestionnaireResponse
		if err := rows.Scan(&r.ApplicationID, &r.Key, &r.Answer, &r.AnsweredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan response")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list responses iterate")
}

// --- analysis sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, ns NewSession) (*model.AnalysisSession, error) {
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

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_sessions (id, application_id, status, reanalysis, documents_total, started_at, updated_at)
		 SELECT $1::text, $2::text, $3::text, $4::boolean, $5::integer, $6::timestamptz, $6::timestamptz
		 WHERE NOT EXISTS (
			SELECT 1 FROM analysis_sessions WHERE application_id = $2 AND status IN `+activeStatusSQL+`
		 )`,
		sess.ID, sess.ApplicationID, string(sess.Status), sess.Reanalysis, sess.DocumentsTotal, now,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, eris.Wrapf(ErrSessionConflict, "application %s", ns.ApplicationID)
		}
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrSessionConflict, "application %s", ns.ApplicationID)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.AnalysisSession, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM analysis_sessions WHERE id = $1`, id)
	return scanPgSession(row, id)
}

func (s *PostgresStore) LatestSession(ctx context.Context, applicationID string) (*model.AnalysisSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions
		 WHERE application_id = $1 ORDER BY started_at DESC LIMIT 1`,
		applicationID,
	)
	return scanPgSession(row, applicationID)
}

func (s *PostgresStore) transition(ctx context.Context, id, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "session %s", id)
	}
	return nil
}

func (s *PostgresStore) MarkAnalyzing(ctx context.Context, id string) error {
	return s.transition(ctx, id, "mark analyzing",
		`UPDATE analysis_sessions SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		string(model.SessionStatusAnalyzing), id, string(model.SessionStatusStarted),
	)
}

func (s *PostgresStore) SetCurrentDocument(ctx context.Context, id, docType string) error {
	return s.transition(ctx, id, "set current document",
		`UPDATE analysis_sessions SET current_document = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		docType, id, string(model.SessionStatusAnalyzing),
	)
}

func (s *PostgresStore) IncrementAnalyzed(ctx context.Context, id string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`UPDATE analysis_sessions SET documents_analyzed = documents_analyzed + 1, updated_at = now()
		 WHERE id = $1 AND status = $2 RETURNING documents_analyzed`,
		id, string(model.SessionStatusAnalyzing),
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrInvalidTransition, "session %s", id)
	}
	return n, eris.Wrapf(err, "postgres: increment analyzed %s", id)
}

func (s *PostgresStore) CompleteSession(ctx context.Context, id string, score float64) error {
	return s.transition(ctx, id, "complete session",
		`UPDATE analysis_sessions
		 SET status = $1, completeness_score = $2, current_document = '', completed_at = now(), updated_at = now()
		 WHERE id = $3 AND status = $4`,
		string(model.SessionStatusCompleted), score, id, string(model.SessionStatusAnalyzing),
	)
}

func (s *PostgresStore) FailSession(ctx context.Context, id, message string) error {
	return s.transition(ctx, id, "fail session",
		`UPDATE analysis_sessions
		 SET status = $1, error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $3 AND status IN `+activeStatusSQL,
		string(model.SessionStatusFailed), message, id,
	)
}

func (s *PostgresStore) ListStaleSessions(ctx context.Context, before time.Time) ([]model.AnalysisSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM analysis_sessions
		 WHERE status IN `+activeStatusSQL+` AND updated_at < $1 ORDER BY updated_at`,
		before,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stale sessions")
	}
	defer rows.Close()

	var out []model.AnalysisSession
	for rows.Next() {
		sess, err := scanPgSession(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stale sessions iterate")
}

func scanPgSession(row pgx.Row, ref string) (*model.AnalysisSession, error) {
	var sess model.AnalysisSession
	var status string
	err := row.Scan(&sess.ID, &sess.ApplicationID, &status, &sess.Reanalysis,
		&sess.DocumentsTotal, &sess.DocumentsAnalyzed, &sess.CurrentDocument,
		&sess.CompletenessScore, &sess.ErrorMessage, &sess.StartedAt, &sess.CompletedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "session %s", ref)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan session")
	}
	sess.Status = model.SessionStatus(status)
	return &sess, nil
}
