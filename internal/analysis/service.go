// Package analysis runs extraction over an application's uploaded documents
// as a persisted session: started, analyzing, then completed or failed.
//
// At most one session per application is in flight. The guard lives in the
// store as a conditional insert, so any number of applications analyze in
// parallel without a process-wide lock.
package analysis

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/extract"
	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/store"
)

// StaleMessage is the error message of a session failed for inactivity.
const StaleMessage = "analysis timed out"

var (
	// ErrUnknownDocumentType rejects uploads of types outside the catalog.
	ErrUnknownDocumentType = eris.New("analysis: unknown document type")
	// ErrMissingApplication rejects requests without an application ID.
	ErrMissingApplication = eris.New("analysis: application id is required")
)

// Config tunes the service.
type Config struct {
	// Concurrency is how many documents of one session are extracted at
	// once. Values below 1 mean sequential.
	Concurrency int
	// StaleAfter fails an in-flight session that has not progressed for
	// this long when a new analysis is requested. Zero disables it.
	StaleAfter time.Duration
}

// Service owns analysis sessions.
type Service struct {
	store   store.Store
	catalog *catalog.Catalog
	cfg     Config
	runner  *runner
	events  *broadcaster
	running sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // by session ID
}

// NewService returns a Service that extracts with ex.
func NewService(st store.Store, cat *catalog.Catalog, ex extract.Extractor, cfg Config) *Service {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	s := &Service{
		store:   st,
		catalog: cat,
		cfg:     cfg,
		events:  newBroadcaster(),
		cancels: make(map[string]context.CancelFunc),
	}
	s.runner = &runner{
		store:       st,
		catalog:     cat,
		extractor:   ex,
		concurrency: cfg.Concurrency,
		notify:      s.events.publish,
	}
	return s
}

// AddDocument registers the text of an uploaded document.
func (s *Service) AddDocument(ctx context.Context, doc model.UploadedDocument) (*model.UploadedDocument, error) {
	doc.ApplicationID = strings.TrimSpace(doc.ApplicationID)
	if doc.ApplicationID == "" {
		return nil, ErrMissingApplication
	}
	if _, ok := s.catalog.DocumentType(doc.DocType); !ok {
		return nil, eris.Wrapf(ErrUnknownDocumentType, "%q", doc.DocType)
	}
	return s.store.AddDocument(ctx, doc)
}

// Documents lists an application's uploads in upload order.
func (s *Service) Documents(ctx context.Context, applicationID string) ([]model.UploadedDocument, error) {
	return s.store.ListDocuments(ctx, applicationID)
}

// Start creates a session and runs it in the background. It returns
// store.ErrSessionConflict while another session of the application is in
// flight. The run is detached from ctx.
func (s *Service) Start(ctx context.Context, applicationID string, reanalyze bool) (*model.AnalysisSession, error) {
	sess, docs, err := s.begin(ctx, applicationID, reanalyze)
	if err != nil {
		return nil, err
	}

	runCtx := s.track(context.WithoutCancel(ctx), sess.ID)
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer s.untrack(sess.ID)
		_ = s.runner.run(runCtx, sess, docs) //nolint:errcheck // recorded on the session
	}()
	return sess, nil
}

// track registers a cancellable context for the run of sessionID.
func (s *Service) track(ctx context.Context, sessionID string) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancels[sessionID] = cancel
	s.mu.Unlock()
	return ctx
}

func (s *Service) untrack(sessionID string) {
	s.mu.Lock()
	cancel, ok := s.cancels[sessionID]
	delete(s.cancels, sessionID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Analyze creates a session and runs it to completion, returning the final
// snapshot. A failed session is returned together with its cause.
func (s *Service) Analyze(ctx context.Context, applicationID string, reanalyze bool) (*model.AnalysisSession, error) {
	sess, docs, err := s.begin(ctx, applicationID, reanalyze)
	if err != nil {
		return nil, err
	}

	runErr := s.runner.run(s.track(ctx, sess.ID), sess, docs)
	s.untrack(sess.ID)
	final, err := s.store.GetSession(context.WithoutCancel(ctx), sess.ID)
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		return final, eris.Wrap(runErr, "analysis failed")
	}
	return final, nil
}

func (s *Service) begin(ctx context.Context, applicationID string, reanalyze bool) (*model.AnalysisSession, []model.UploadedDocument, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return nil, nil, ErrMissingApplication
	}
	if err := s.expireIfStale(ctx, applicationID); err != nil {
		return nil, nil, err
	}

	docs, err := s.store.ListDocuments(ctx, applicationID)
	if err != nil {
		return nil, nil, err
	}

	sess, err := s.store.CreateSession(ctx, store.NewSession{
		ApplicationID:  applicationID,
		Reanalysis:     reanalyze,
		DocumentsTotal: len(docs),
	})
	if err != nil {
		if eris.Is(err, store.ErrSessionConflict) {
			zap.L().Info("analysis request rejected, session in flight",
				zap.String("application_id", applicationID))
		}
		return nil, nil, err
	}

	s.events.publish(applicationID)
	zap.L().Info("analysis session started",
		zap.String("application_id", applicationID),
		zap.String("session_id", sess.ID),
		zap.Int("documents_total", len(docs)),
		zap.Bool("reanalysis", reanalyze),
	)
	return sess, docs, nil
}

func (s *Service) expireIfStale(ctx context.Context, applicationID string) error {
	if s.cfg.StaleAfter <= 0 {
		return nil
	}
	latest, err := s.store.LatestSession(ctx, applicationID)
	if eris.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !latest.Status.IsActive() || time.Since(latest.UpdatedAt) <= s.cfg.StaleAfter {
		return nil
	}
	return s.Expire(ctx, *latest)
}

// Expire fails an in-flight session with StaleMessage and cancels its run
// if this process owns it. A session that reached a terminal state in the
// meantime is left alone.
func (s *Service) Expire(ctx context.Context, sess model.AnalysisSession) error {
	err := s.store.FailSession(ctx, sess.ID, StaleMessage)
	if eris.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	s.untrack(sess.ID)
	s.events.publish(sess.ApplicationID)
	zap.L().Warn("analysis session expired",
		zap.String("application_id", sess.ApplicationID),
		zap.String("session_id", sess.ID),
		zap.Time("last_update", sess.UpdatedAt),
	)
	return nil
}

// Status returns the latest session of the application, or a not_started
// placeholder when there is none.
func (s *Service) Status(ctx context.Context, applicationID string) (*model.AnalysisSession, error) {
	sess, err := s.store.LatestSession(ctx, applicationID)
	if eris.Is(err, store.ErrNotFound) {
		return model.NotStartedSession(applicationID), nil
	}
	return sess, err
}

// Observed is the part of a session a poller has already seen.
type Observed struct {
	SessionID         string
	Status            model.SessionStatus
	DocumentsAnalyzed int
	CurrentDocument   string
}

// changedFrom reports whether cur differs from what o saw. An empty
// SessionID or CurrentDocument in o matches any value.
func (o Observed) changedFrom(cur Observed) bool {
	if o.SessionID != "" && o.SessionID != cur.SessionID {
		return true
	}
	if o.CurrentDocument != "" && o.CurrentDocument != cur.CurrentDocument {
		return true
	}
	return o.Status != cur.Status || o.DocumentsAnalyzed != cur.DocumentsAnalyzed
}

// ObservedFrom captures sess for a later Wait.
func ObservedFrom(sess *model.AnalysisSession) Observed {
	return Observed{
		SessionID:         sess.ID,
		Status:            sess.Status,
		DocumentsAnalyzed: sess.DocumentsAnalyzed,
		CurrentDocument:   sess.CurrentDocument,
	}
}

// Wait blocks until the application's session differs from seen, the
// session is terminal, or timeout elapses, and returns the current snapshot.
// A nil seen waits for the next change from the state at the time of the
// call.
func (s *Service) Wait(ctx context.Context, applicationID string, seen *Observed, timeout time.Duration) (*model.AnalysisSession, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		changed := s.events.subscribe(applicationID)
		cur, err := s.Status(ctx, applicationID)
		if err != nil {
			return nil, err
		}
		if seen == nil {
			baseline := ObservedFrom(cur)
			seen = &baseline
		}
		if seen.changedFrom(ObservedFrom(cur)) || cur.Status.IsTerminal() {
			return cur, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return cur, nil
		case <-ctx.Done():
			return cur, nil
		}
	}
}

// Shutdown waits for background sessions to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "analysis: shutdown")
	}
}
