package api

import (
	"net/http"
)

// streamWriter sends the response headers on the first write and flushes
// after every chunk, so an error found before any output can still be
// reported with a proper status code.
type streamWriter struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newStreamWriter(w http.ResponseWriter) *streamWriter {
	return &streamWriter{w: w, rc: http.NewResponseController(w)}
}

// Start commits the headers with a 200 status. It is a no-op once started.
func (s *streamWriter) Start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-cache")
	s.w.WriteHeader(http.StatusOK)
}

// Started reports whether headers have been sent.
func (s *streamWriter) Started() bool {
	return s.started
}

func (s *streamWriter) Write(p []byte) (int, error) {
	s.Start()
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	if err := s.rc.Flush(); err != nil && err != http.ErrNotSupported {
		return n, err
	}
	return n, nil
}
