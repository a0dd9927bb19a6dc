package api

import (
	"errors"
	"net/http"

	json "github.com/json-iterator/go"
)

const contentTypeNDJSON = "application/x-ndjson"

// ndjsonWriter writes one JSON document per line and flushes each one, so
// clients see increments as they arrive.
type ndjsonWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	return &ndjsonWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *ndjsonWriter) send(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.started {
		s.w.Header().Set("Content-Type", contentTypeNDJSON)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
