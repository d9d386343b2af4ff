// Package gateway converts external events into router submissions and
// streams responses back to the originating channel.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type paramsKey struct{}

// Params returns the path parameters extracted for this request.
func Params(r *http.Request) map[string]string {
	if p, ok := r.Context().Value(paramsKey{}).(map[string]string); ok {
		return p
	}
	return nil
}

type route struct {
	method   string
	segments []string
	wildcard bool
	handler  http.Handler
	order    int
}

// Mux is a small path router: ":name" segments bind parameters, a
// trailing "*" matches any suffix. The longest matching pattern wins;
// ties go to the earlier registration.
type Mux struct {
	routes []route
}

// NewMux creates an empty mux.
func NewMux() *Mux {
	return &Mux{}
}

// Handle registers a handler for a method and pattern.
func (m *Mux) Handle(method, pattern string, handler http.Handler) {
	segments := splitPath(pattern)
	wildcard := false
	if n := len(segments); n > 0 && segments[n-1] == "*" {
		wildcard = true
		segments = segments[:n-1]
	}
	m.routes = append(m.routes, route{
		method:   strings.ToUpper(method),
		segments: segments,
		wildcard: wildcard,
		handler:  handler,
		order:    len(m.routes),
	})
}

// HandleFunc registers a handler function.
func (m *Mux) HandleFunc(method, pattern string, handler func(http.ResponseWriter, *http.Request)) {
	m.Handle(method, pattern, http.HandlerFunc(handler))
}

// ServeHTTP implements http.Handler.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	segments := splitPath(r.URL.Path)

	best := -1
	var bestParams map[string]string
	for i, rt := range m.routes {
		if rt.method != r.Method {
			continue
		}
		params, ok := rt.match(segments)
		if !ok {
			continue
		}
		if best == -1 || betterMatch(m.routes[i], m.routes[best]) {
			best = i
			bestParams = params
		}
	}

	if best == -1 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}

	if len(bestParams) > 0 {
		r = r.WithContext(context.WithValue(r.Context(), paramsKey{}, bestParams))
	}
	m.routes[best].handler.ServeHTTP(w, r)
}

// betterMatch prefers the longer pattern; equal lengths keep the earlier
// registration (candidate loses ties by strict inequality).
func betterMatch(candidate, incumbent route) bool {
	cl, il := len(candidate.segments), len(incumbent.segments)
	if cl != il {
		return cl > il
	}
	// An exact pattern outranks a wildcard of the same length.
	if candidate.wildcard != incumbent.wildcard {
		return incumbent.wildcard
	}
	return false
}

func (rt route) match(segments []string) (map[string]string, bool) {
	if rt.wildcard {
		if len(segments) < len(rt.segments)+1 {
			return nil, false
		}
	} else if len(segments) != len(rt.segments) {
		return nil, false
	}

	var params map[string]string
	for i, pat := range rt.segments {
		if strings.HasPrefix(pat, ":") {
			if params == nil {
				params = make(map[string]string)
			}
			params[pat[1:]] = segments[i]
			continue
		}
		if pat != segments[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
