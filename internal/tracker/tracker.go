// Package tracker stores questionnaire answers and derives the current
// question list and completion from them.
package tracker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/catalog"
	"github.com/sells-group/visadoc/internal/gap"
	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/questions"
	"github.com/sells-group/visadoc/internal/store"
)

// Answer is one submitted answer.
type Answer struct {
	Key    string `json:"key"`
	Answer string `json:"answer"`
}

// Snapshot is the questionnaire as it stands.
type Snapshot struct {
	Questions            []model.Question `json:"questions"`
	Progress             model.Progress   `json:"progress"`
	MissingDocumentTypes []string         `json:"missing_document_types"`
}

// SaveResult reports a batch save. Errors holds the rejected answers; the
// rest were stored.
type SaveResult struct {
	Saved    []string         `json:"saved"`
	Errors   ValidationErrors `json:"errors"`
	Progress model.Progress   `json:"progress"`
}

// Tracker validates and stores answers.
type Tracker struct {
	store     store.Store
	catalog   *catalog.Catalog
	analyzer  *gap.Analyzer
	generator *questions.Generator
	locks     keyedMutex
	now       func() time.Time
}

// New returns a Tracker.
func New(st store.Store, cat *catalog.Catalog, analyzer *gap.Analyzer, generator *questions.Generator) *Tracker {
	return &Tracker{
		store:     st,
		catalog:   cat,
		analyzer:  analyzer,
		generator: generator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Validate returns the stored form of answer for key, or a ValidationError.
func (t *Tracker) Validate(key, answer string) (string, error) {
	key = strings.TrimSpace(key)
	fr, ok := t.catalog.Field(key)
	if !ok {
		return "", invalid(key, "unknown field")
	}
	return normalize(fr, answer)
}

// Save validates and stores one answer. The stored answer also becomes the
// field value with full confidence. Saves of the same key for the same
// application run one at a time.
func (t *Tracker) Save(ctx context.Context, applicationID, key, answer string) error {
	key = strings.TrimSpace(key)
	value, err := t.Validate(key, answer)
	if err != nil {
		return err
	}

	unlock := t.locks.lock(applicationID + "\x00" + key)
	defer unlock()

	return t.store.SaveResponse(ctx, model.QuestionnaireResponse{
		ApplicationID: applicationID,
		Key:           key,
		Answer:        value,
		AnsweredAt:    t.now(),
	})
}

// SaveAll saves every valid answer and reports invalid ones per key without
// aborting the batch. Store failures abort it.
func (t *Tracker) SaveAll(ctx context.Context, applicationID string, answers []Answer) (*SaveResult, error) {
	res := &SaveResult{Saved: []string{}, Errors: ValidationErrors{}}
	for _, a := range answers {
		err := t.Save(ctx, applicationID, a.Key, a.Answer)
		var ve *ValidationError
		switch {
		case err == nil:
			res.Saved = append(res.Saved, strings.TrimSpace(a.Key))
		case errors.As(err, &ve):
			res.Errors = append(res.Errors, ve)
		default:
			return nil, err
		}
	}

	zap.L().Info("questionnaire answers saved",
		zap.String("application_id", applicationID),
		zap.Int("saved", len(res.Saved)),
		zap.Int("rejected", len(res.Errors)),
	)

	p, err := t.Progress(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	res.Progress = p
	return res, nil
}

// Questions runs gap analysis over the application's current documents and
// fields and returns the open questions with progress.
func (t *Tracker) Questions(ctx context.Context, applicationID string) (*Snapshot, error) {
	docs, err := t.store.ListDocuments(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	uploaded := make([]string, 0, len(docs))
	for _, d := range docs {
		uploaded = append(uploaded, d.DocType)
	}

	fields, err := t.store.GetFields(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	responses, err := t.store.ListResponses(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	res := t.analyzer.Analyze(uploaded, fields)
	qs := t.generator.Generate(res, fields)
	return &Snapshot{
		Questions:            qs,
		Progress:             t.generator.Progress(qs, res, fields, responses),
		MissingDocumentTypes: res.MissingDocumentTypes,
	}, nil
}

// Progress recomputes completion from scratch.
func (t *Tracker) Progress(ctx context.Context, applicationID string) (model.Progress, error) {
	snap, err := t.Questions(ctx, applicationID)
	if err != nil {
		return model.Progress{}, err
	}
	return snap.Progress, nil
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
