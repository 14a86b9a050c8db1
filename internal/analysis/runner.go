package analysis

import (
	"context"
	"math"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/extract"
	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/store"
)

// runner drives one session from started to a terminal state.
type runner struct {
	store       store.Store
	catalog     *catalog.Catalog
	extractor   extract.Extractor
	concurrency int
	notify      func(applicationID string)
}

// confidenceTally accumulates the confidence of every field value written
// during a session.
type confidenceTally struct {
	mu    sync.Mutex
	sum   float64
	count int
}

func (t *confidenceTally) add(values map[string]model.ExtractedValue) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range values {
		t.sum += v.Confidence
		t.count++
	}
}

// score is the mean confidence as a percentage with one decimal.
func (t *confidenceTally) score() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return math.Round(t.sum/float64(t.count)*1000) / 10
}

func (r *runner) run(ctx context.Context, sess *model.AnalysisSession, docs []model.UploadedDocument) error {
	log := zap.L().With(
		zap.String("application_id", sess.ApplicationID),
		zap.String("session_id", sess.ID),
	)

	if err := r.store.MarkAnalyzing(ctx, sess.ID); err != nil {
		log.Error("analysis: mark analyzing", zap.Error(err))
		return r.fail(ctx, sess, err, log)
	}
	r.notify(sess.ApplicationID)
	log.Info("analysis session analyzing",
		zap.Int("documents_total", len(docs)),
		zap.Bool("reanalysis", sess.Reanalysis),
	)

	mode := model.MergePreferConfident
	if sess.Reanalysis {
		mode = model.MergeForce
	}

	tally := &confidenceTally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.concurrency, 1))
	for _, doc := range docs {
		g.Go(func() error {
			return r.analyzeDocument(gctx, sess, doc, mode, tally, log)
		})
	}
	if err := g.Wait(); err != nil {
		return r.fail(ctx, sess, err, log)
	}

	score := tally.score()
	if err := r.store.CompleteSession(ctx, sess.ID, score); err != nil {
		log.Error("analysis: complete session", zap.Error(err))
		return r.fail(ctx, sess, err, log)
	}
	r.notify(sess.ApplicationID)
	log.Info("analysis session completed", zap.Float64("completeness_score", score))
	return nil
}

func (r *runner) analyzeDocument(
	ctx context.Context,
	sess *model.AnalysisSession,
	doc model.UploadedDocument,
	mode model.MergeMode,
	tally *confidenceTally,
	log *zap.Logger,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log = log.With(zap.String("document_id", doc.ID), zap.String("doc_type", doc.DocType))

	if err := r.store.SetCurrentDocument(ctx, sess.ID, doc.DocType); err != nil {
		return eris.Wrap(err, "set current document")
	}
	r.notify(sess.ApplicationID)

	source := model.UploadedSource(doc.DocType)
	values, err := r.extractor.Extract(ctx, doc.DocType, doc.Text)
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Expired or shut down while extracting; the session no longer owns
		// the field store.
		return ctxErr
	}
	switch {
	case err == nil:
		written, mergeErr := r.store.MergeFields(ctx, sess.ApplicationID, source, values, mode)
		if mergeErr != nil {
			return eris.Wrapf(mergeErr, "merge fields of %s", doc.DocType)
		}
		tally.add(values)
		log.Info("document analyzed",
			zap.Int("fields_extracted", len(values)),
			zap.Int("fields_written", written),
		)
	case extract.IsSystemic(err):
		return eris.Wrapf(err, "extract %s", doc.DocType)
	default:
		log.Warn("document extraction failed", zap.Error(err))
		zeros := r.zeroValues(doc.DocType)
		if _, mergeErr := r.store.MergeFields(ctx, sess.ApplicationID, source, zeros, model.MergeFillOnly); mergeErr != nil {
			return eris.Wrapf(mergeErr, "record failed %s", doc.DocType)
		}
		tally.add(zeros)
	}

	analyzed, err := r.store.IncrementAnalyzed(ctx, sess.ID)
	if err != nil {
		return eris.Wrap(err, "increment analyzed")
	}
	r.notify(sess.ApplicationID)
	log.Debug("analysis progress", zap.Int("documents_analyzed", analyzed), zap.Int("documents_total", sess.DocumentsTotal))
	return nil
}

// zeroValues records every field of docType as read with no confidence.
func (r *runner) zeroValues(docType string) map[string]model.ExtractedValue {
	reqs := r.catalog.RequirementsFor(docType)
	out := make(map[string]model.ExtractedValue, len(reqs))
	for _, fr := range reqs {
		out[fr.Key] = model.ExtractedValue{}
	}
	return out
}

func (r *runner) fail(ctx context.Context, sess *model.AnalysisSession, cause error, log *zap.Logger) error {
	log.Error("analysis session failed", zap.Error(cause))
	if err := r.store.FailSession(context.WithoutCancel(ctx), sess.ID, cause.Error()); err != nil {
		log.Warn("analysis: fail session", zap.Error(err))
	}
	r.notify(sess.ApplicationID)
	return cause
}
