package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

var errNoHijack = errors.New("middleware: underlying writer cannot be hijacked")

// statusRecorder remembers the first status written through it. It forwards
// Hijack and Flush so /api/events upgrades survive the middleware chain.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	started bool
}

func record(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.started {
		return
	}
	s.status, s.started = code, true
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.WriteHeader(http.StatusOK)
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	s.status, s.started = http.StatusSwitchingProtocols, true
	return h.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
