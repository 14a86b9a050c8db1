package analysis

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/extract"
	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/store"
)

// fakeExtractor answers from tables keyed by document type, or from script
// when set. A closed gate lets calls through.
type fakeExtractor struct {
	mu      sync.Mutex
	results map[string]map[string]model.ExtractedValue
	errs    map[string]error
	gate    chan struct{}
	script  func(call int, docType string) (map[string]model.ExtractedValue, error)
	calls   []string
}

func (f *fakeExtractor) Extract(ctx context.Context, docType, _ string) (map[string]model.ExtractedValue, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, docType)
	call, script := len(f.calls), f.script
	if script != nil {
		f.mu.Unlock()
		return script(call, docType)
	}
	defer f.mu.Unlock()
	if err, ok := f.errs[docType]; ok {
		return nil, err
	}
	return f.results[docType], nil
}

func (f *fakeExtractor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExtractor) set(docType string, values map[string]model.ExtractedValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results == nil {
		f.results = make(map[string]map[string]model.ExtractedValue)
	}
	f.results[docType] = values
}

type fixture struct {
	store *store.SQLiteStore
	svc   *Service
	ex    *fakeExtractor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "analysis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	cat, err := catalog.Default()
	require.NoError(t, err)

	ex := &fakeExtractor{}
	return &fixture{store: st, svc: NewService(st, cat, ex, cfg), ex: ex}
}

func (f *fixture) upload(t *testing.T, appID string, docTypes ...string) {
	t.Helper()
	for _, dt := range docTypes {
		_, err := f.svc.AddDocument(context.Background(), model.UploadedDocument{
			ApplicationID: appID, DocType: dt, Filename: dt + ".pdf", Text: dt + " text",
		})
		require.NoError(t, err)
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Shutdown(ctx))
}

func TestAddDocument_Validation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.AddDocument(ctx, model.UploadedDocument{ApplicationID: "app-1", DocType: "library_card"})
	assert.True(t, eris.Is(err, ErrUnknownDocumentType))

	_, err = f.svc.AddDocument(ctx, model.UploadedDocument{ApplicationID: "  ", DocType: "passport"})
	assert.True(t, eris.Is(err, ErrMissingApplication))

	doc, err := f.svc.AddDocument(ctx, model.UploadedDocument{ApplicationID: "app-1", DocType: "passport"})
	require.NoError(t, err)
	assert.NotEmpty(t, doc.ID)
}

func TestAnalyze_Completes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.upload(t, "app-1", "passport", "nid")
	f.ex.set("passport", map[string]model.ExtractedValue{
		"passport.passport_number": {Value: "A12345678", Confidence: 0.6},
		"personal.full_name":       {Value: "Rahim Uddin", Confidence: 1.0},
	})
	f.ex.set("nid", map[string]model.ExtractedValue{
		"nid.nid_number":     {Value: "1990123456", Confidence: 0.8},
		"personal.full_name": {Value: "RAHIM UDDIN", Confidence: 0.6},
	})

	sess, err := f.svc.Analyze(ctx, "app-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, 2, sess.DocumentsTotal)
	assert.Equal(t, 2, sess.DocumentsAnalyzed)
	assert.NotNil(t, sess.CompletedAt)
	// (0.6 + 1.0 + 0.8 + 0.6) / 4
	assert.InDelta(t, 75.0, sess.CompletenessScore, 0.001)
	assert.Equal(t, []string{"passport", "nid"}, f.ex.calls)

	fields, err := f.store.GetFields(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "Rahim Uddin", fields["personal.full_name"].Value, "less confident value does not overwrite")
	assert.Equal(t, model.UploadedSource("passport"), fields["personal.full_name"].Source)
	assert.Equal(t, "1990123456", fields["nid.nid_number"].Value)
}

func TestAnalyze_DocumentFailureRecordedAsZero(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.upload(t, "app-1", "passport", "nid")
	f.ex.set("passport", map[string]model.ExtractedValue{
		"personal.full_name": {Value: "Rahim Uddin", Confidence: 1.0},
	})
	f.ex.errs = map[string]error{"nid": eris.Wrap(extract.ErrMalformedResponse, "nid")}

	sess, err := f.svc.Analyze(ctx, "app-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, 2, sess.DocumentsAnalyzed)
	assert.Less(t, sess.CompletenessScore, 100.0)

	fields, err := f.store.GetFields(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "Rahim Uddin", fields["personal.full_name"].Value, "fill only keeps existing values")
	nid, ok := fields["nid.nid_number"]
	require.True(t, ok)
	assert.Equal(t, 0.0, nid.Confidence)
	assert.Equal(t, "", nid.Value)
}

func TestAnalyze_SystemicFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.upload(t, "app-1", "passport", "nid", "bank_solvency")
	f.ex.set("passport", map[string]model.ExtractedValue{
		"passport.passport_number": {Value: "A12345678", Confidence: 0.9},
	})
	f.ex.errs = map[string]error{"nid": eris.Wrap(extract.ErrUnavailable, "status 401")}

	sess, err := f.svc.Analyze(ctx, "app-1", false)
	require.Error(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, model.SessionStatusFailed, sess.Status)
	assert.Contains(t, sess.ErrorMessage, "unavailable")
	assert.Equal(t, 1, sess.DocumentsAnalyzed)
	assert.NotContains(t, f.ex.calls, "bank_solvency")

	fields, err := f.store.GetFields(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "A12345678", fields["passport.passport_number"].Value, "partial progress is kept")

	// A failed session does not block a new request.
	f.ex.errs = nil
	sess, err = f.svc.Analyze(ctx, "app-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
}

func TestStart_ConflictWhileInFlight(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.upload(t, "app-1", "passport")
	f.ex.gate = make(chan struct{})

	first, err := f.svc.Start(ctx, "app-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusStarted, first.Status)

	_, err = f.svc.Start(ctx, "app-1", false)
	assert.True(t, eris.Is(err, store.ErrSessionConflict))

	// Other applications are not blocked.
	f.upload(t, "app-2", "nid")
	_, err = f.svc.Start(ctx, "app-2", false)
	require.NoError(t, err)

	close(f.ex.gate)
	f.drain(t)

	got, err := f.svc.Status(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, model.SessionStatusCompleted, got.Status)
}

func TestReanalysis_NewSessionKeepsFields(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.upload(t, "app-1", "passport", "nid")
	f.ex.set("passport", map[string]model.ExtractedValue{
		"passport.passport_number": {Value: "A12345678", Confidence: 0.9},
	})
	f.ex.set("nid", map[string]model.ExtractedValue{
		"nid.nid_number": {Value: "1990123456", Confidence: 0.9},
	})

	first, err := f.svc.Analyze(ctx, "app-1", false)
	require.NoError(t, err)
	require.Equal(t, model.SessionStatusCompleted, first.Status)

	// The second run reads a different passport number and nothing from the NID.
	f.ex.set("passport", map[string]model.ExtractedValue{
		"passport.passport_number": {Value: "B98765432", Confidence: 0.5},
	})
	f.ex.set("nid", map[string]model.ExtractedValue{})

	second, err := f.svc.Start(ctx, "app-1", true)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 0, second.DocumentsAnalyzed)
	assert.True(t, second.Reanalysis)
	f.drain(t)

	fields, err := f.store.GetFields(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "B98765432", fields["passport.passport_number"].Value, "requested re-analysis overwrites")
	assert.Equal(t, "1990123456", fields["nid.nid_number"].Value, "untouched keys are retained")

	prev, err := f.store.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, prev.DocumentsAnalyzed)
}

func TestReanalysis_NeverOverwritesAnswers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.upload(t, "app-1", "passport")
	require.NoError(t, f.store.SaveResponse(ctx, model.QuestionnaireResponse{
		ApplicationID: "app-1", Key: "personal.full_name", Answer: "Rahim Uddin",
	}))
	f.ex.set("passport", map[string]model.ExtractedValue{
		"personal.full_name": {Value: "R UDDIN", Confidence: 0.99},
	})

	_, err := f.svc.Analyze(ctx, "app-1", false)
	require.NoError(t, err)

	fields, err := f.store.GetFields(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "Rahim Uddin", fields["personal.full_name"].Value)
	assert.True(t, fields["personal.full_name"].FromQuestionnaire())
}

func TestAnalyze_ParallelDocuments(t *testing.T) {
	f := newFixture(t, Config{Concurrency: 4})
	ctx := context.Background()
	docs := []string{"passport", "nid", "bank_solvency", "travel_insurance", "income_tax_return"}
	f.upload(t, "app-1", docs...)

	sess, err := f.svc.Analyze(ctx, "app-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, len(docs), sess.DocumentsAnalyzed)
	assert.ElementsMatch(t, docs, f.ex.calls)
}

func TestAnalyze_NoDocuments(t *testing.T) {
	f := newFixture(t, Config{})
	sess, err := f.svc.Analyze(context.Background(), "app-1", false)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, sess.Status)
	assert.Equal(t, 0, sess.DocumentsTotal)
	assert.Equal(t, 0.0, sess.CompletenessScore)
}

func TestStart_ExpiresStaleSession(t *testing.T) {
	ctx := context.Background()

	strict := newFixture(t, Config{})
	_, err := strict.store.CreateSession(ctx, store.NewSession{ApplicationID: "app-1"})
	require.NoError(t, err)
	_, err = strict.svc.Start(ctx, "app-1", false)
	assert.True(t, eris.Is(err, store.ErrSessionConflict), "no expiry by default")

	f := newFixture(t, Config{StaleAfter: time.Millisecond})
	stuck, err := f.store.CreateSession(ctx, store.NewSession{ApplicationID: "app-1"})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	fresh, err := f.svc.Start(ctx, "app-1", false)
	require.NoError(t, err)
	f.drain(t)

	old, err := f.store.GetSession(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFailed, old.Status)
	assert.Equal(t, StaleMessage, old.ErrorMessage)
	assert.NotEqual(t, stuck.ID, fresh.ID)
}

func TestExpire_StopsRunOfExpiredSession(t *testing.T) {
	f := newFixture(t, Config{StaleAfter: 20 * time.Millisecond})
	ctx := context.Background()
	f.upload(t, "app-1", "passport")

	// The first call hangs past expiry and ignores cancellation.
	release := make(chan struct{})
	f.ex.script = func(call int, _ string) (map[string]model.ExtractedValue, error) {
		if call == 1 {
			<-release
			return map[string]model.ExtractedValue{
				"passport.passport_number": {Value: "OLD-RUN", Confidence: 0.99},
			}, nil
		}
		return map[string]model.ExtractedValue{
			"passport.passport_number": {Value: "NEW-RUN", Confidence: 0.5},
		}, nil
	}

	first, err := f.svc.Start(ctx, "app-1", true)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.ex.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	second, err := f.svc.Start(ctx, "app-1", true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		cur, err := f.store.GetSession(ctx, second.ID)
		return err == nil && cur.Status == model.SessionStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	f.drain(t)

	old, err := f.store.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusFailed, old.Status)
	assert.Equal(t, StaleMessage, old.ErrorMessage)
	assert.Equal(t, 0, old.DocumentsAnalyzed)

	fields, err := f.store.GetFields(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, "NEW-RUN", fields["passport.passport_number"].Value)

	f.svc.mu.Lock()
	assert.Empty(t, f.svc.cancels)
	f.svc.mu.Unlock()
}

func TestStatus_NotStarted(t *testing.T) {
	f := newFixture(t, Config{})
	sess, err := f.svc.Status(context.Background(), "app-9")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusNotStarted, sess.Status)
	assert.Equal(t, "app-9", sess.ApplicationID)
}

func TestWait_ReturnsOnChange(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.upload(t, "app-1", "passport")
	f.ex.gate = make(chan struct{})

	started, err := f.svc.Start(ctx, "app-1", false)
	require.NoError(t, err)
	seen := ObservedFrom(started)

	got, err := f.svc.Wait(ctx, "app-1", &seen, 5*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, seen, ObservedFrom(got))

	close(f.ex.gate)
	f.drain(t)

	final, err := f.svc.Wait(ctx, "app-1", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, final.Status, "terminal sessions return immediately")
}

func TestWait_TimesOut(t *testing.T) {
	f := newFixture(t, Config{})
	start := time.Now()
	got, err := f.svc.Wait(context.Background(), "app-1", nil, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusNotStarted, got.Status)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestConfidenceTally(t *testing.T) {
	var tally confidenceTally
	assert.Equal(t, 0.0, tally.score())
	tally.add(map[string]model.ExtractedValue{"a": {Confidence: 0.65}, "b": {Confidence: 0}})
	tally.add(map[string]model.ExtractedValue{"c": {Confidence: 1}})
	assert.InDelta(t, 55.0, tally.score(), 0.001)
}

func TestBroadcaster(t *testing.T) {
	b := newBroadcaster()
	ch := b.subscribe("app-1")
	other := b.subscribe("app-2")
	assert.Equal(t, ch, b.subscribe("app-1"))

	b.publish("app-1")
	select {
	case <-ch:
	default:
		t.Fatal("subscriber not woken")
	}
	select {
	case <-other:
		t.Fatal("other application woken")
	default:
	}
	b.publish("app-1") // no subscribers, no panic
}

func TestObserved_ChangedFrom(t *testing.T) {
	cur := Observed{SessionID: "s1", Status: model.SessionStatusAnalyzing, DocumentsAnalyzed: 1, CurrentDocument: "passport"}

	assert.False(t, cur.changedFrom(cur))
	assert.False(t, Observed{Status: model.SessionStatusAnalyzing, DocumentsAnalyzed: 1}.changedFrom(cur),
		"omitted session and document match anything")
	assert.True(t, Observed{SessionID: "s0", Status: model.SessionStatusAnalyzing, DocumentsAnalyzed: 1}.changedFrom(cur))
	assert.True(t, Observed{Status: model.SessionStatusStarted}.changedFrom(cur))
	assert.True(t, Observed{Status: model.SessionStatusAnalyzing, DocumentsAnalyzed: 1, CurrentDocument: "nid"}.changedFrom(cur))
}
