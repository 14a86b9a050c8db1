package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/visadoc/internal/analysis"
	"github.com/sells-group/visadoc/internal/export"
	"github.com/sells-group/visadoc/internal/model"
	"github.com/sells-group/visadoc/internal/tracker"
)

func applicationID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "applicationID"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeMessage(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocumentTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"document_types": s.catalog.AllDocumentTypes()})
}

type addDocumentRequest struct {
	DocType  string `json:"doc_type"`
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req addDocumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	doc, err := s.analysis.AddDocument(r.Context(), model.UploadedDocument{
		ApplicationID: applicationID(r),
		DocType:       strings.TrimSpace(req.DocType),
		Filename:      req.Filename,
		Text:          req.Text,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.analysis.Documents(r.Context(), applicationID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []model.UploadedDocument{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

type startAnalysisRequest struct {
	Reanalyze bool `json:"reanalyze"`
}

func (s *Server) handleStartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req startAnalysisRequest
	// An empty body starts a first analysis.
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.analysis.Start(r.Context(), applicationID(r), req.Reanalyze)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleAnalysisStatus(w http.ResponseWriter, r *http.Request) {
	id := applicationID(r)
	q := r.URL.Query()

	var (
		sess *model.AnalysisSession
		err  error
	)
	if raw := q.Get("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait < 0 {
			writeMessage(w, http.StatusBadRequest, "wait must be a duration such as 10s")
			return
		}
		seen, perr := observedFromQuery(q.Get("session"), q.Get("status"), q.Get("analyzed"), q.Get("current"))
		if perr != nil {
			writeMessage(w, http.StatusBadRequest, "analyzed must be an integer")
			return
		}
		sess, err = s.analysis.Wait(r.Context(), id, seen, min(wait, s.cfg.LongPollMax))
	} else {
		sess, err = s.analysis.Status(r.Context(), id)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess.Status == model.SessionStatusNotStarted {
		writeJSON(w, http.StatusNotFound, sess)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// observedFromQuery rebuilds what a poller last saw. Without a status or
// session it returns nil so the wait starts from the current state.
func observedFromQuery(session, status, analyzed, current string) (*analysis.Observed, error) {
	if session == "" && status == "" {
		return nil, nil
	}
	seen := &analysis.Observed{
		SessionID:       session,
		Status:          model.SessionStatus(status),
		CurrentDocument: current,
	}
	if analyzed != "" {
		n, err := strconv.Atoi(analyzed)
		if err != nil {
			return nil, err
		}
		seen.DocumentsAnalyzed = n
	}
	return seen, nil
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	snap, err := s.tracker.Questions(r.Context(), applicationID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type saveResponsesRequest struct {
	Responses []tracker.Answer `json:"responses"`
}

func (s *Server) handleSaveResponses(w http.ResponseWriter, r *http.Request) {
	var req saveResponsesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Responses) == 0 {
		writeMessage(w, http.StatusBadRequest, "responses is required")
		return
	}
	res, err := s.tracker.SaveAll(r.Context(), applicationID(r), req.Responses)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.tracker.Progress(r.Context(), applicationID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type fieldResponse struct {
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	Value       string    `json:"value"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	fields, err := s.store.GetFields(r.Context(), applicationID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows := export.Rows(s.catalog, fields)
	out := make([]fieldResponse, len(rows))
	for i, row := range rows {
		out[i] = fieldResponse(row)
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": out})
}
