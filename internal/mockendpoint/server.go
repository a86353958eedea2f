// Package mockendpoint serves scripted JSON responses for exercising enrichment sources
// without a real upstream.
package mockendpoint

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"
)

// Route scripts the response for one method + path template. Path uses gorilla/mux
// templates ("/customers/{id}"); "{id}" in Body is replaced with the matched value.
type Route struct {
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	Status  int               `yaml:"status"`
	Body    string            `yaml:"body"`
	Delay   time.Duration     `yaml:"delay"`
	Headers map[string]string `yaml:"headers"`
}

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Query  string
	Body   string
	Header http.Header
}

// Server is a scripted HTTP endpoint.
type Server struct {
	mu     sync.Mutex
	routes []Route
	calls  []Call

	expectedAuthorization string
}

// New constructs a server with the given routes.
func New(routes ...Route) *Server {
	return &Server{routes: append([]Route(nil), routes...)}
}

// LoadRoutes decodes a YAML list of routes.
func LoadRoutes(r io.Reader) ([]Route, error) {
	var routes []Route
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&routes); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	for i, rt := range routes {
		if strings.TrimSpace(rt.Path) == "" {
			return nil, fmt.Errorf("route %d: path is required", i)
		}
	}
	return routes, nil
}

// RequireBearerToken enforces that requests include an Authorization header matching the token.
// If token is empty, authorization is not enforced.
func (s *Server) RequireBearerToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token = strings.TrimSpace(token)
	if token == "" {
		s.expectedAuthorization = ""
		return
	}
	s.expectedAuthorization = "Bearer " + token
}

// Handler returns an http.Handler serving the scripted routes. Routes are matched in
// declaration order; unmatched requests get 404.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.mu.Lock()
	routes := append([]Route(nil), s.routes...)
	s.mu.Unlock()
	for _, rt := range routes {
		h := r.HandleFunc(rt.Path, s.serve(rt))
		if m := strings.TrimSpace(rt.Method); m != "" {
			h.Methods(strings.ToUpper(m))
		}
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.recordCall(req, nil)
		http.NotFound(w, req)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.recordCall(req, nil)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) serve(rt Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.recordCall(r, body)
		if !s.authorize(w, r) {
			return
		}
		if rt.Delay > 0 {
			select {
			case <-time.After(rt.Delay):
			case <-r.Context().Done():
				return
			}
		}

		out := rt.Body
		for k, v := range mux.Vars(r) {
			out = strings.ReplaceAll(out, "{"+k+"}", v)
		}
		for k, v := range rt.Headers {
			w.Header().Set(k, v)
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		status := rt.Status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, out)
	}
}

func (s *Server) recordCall(r *http.Request, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   string(body),
		Header: r.Header.Clone(),
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	if r.Header.Get("Authorization") != expected {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}
