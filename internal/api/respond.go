package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visadoc/internal/analysis"
	"github.com/sells-group/visadoc/internal/store"
	"github.com/sells-group/visadoc/internal/tracker"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps domain errors to status codes. Unexpected errors are
// logged and reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *tracker.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ve)
	case eris.Is(err, analysis.ErrUnknownDocumentType), eris.Is(err, analysis.ErrMissingApplication):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case eris.Is(err, store.ErrSessionConflict):
		writeMessage(w, http.StatusConflict, "analysis already in progress")
	case eris.Is(err, store.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "not found")
	default:
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// maxBodyBytes bounds request bodies; document text dominates.
const maxBodyBytes = 8 << 20
