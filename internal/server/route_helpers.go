package server

import (
	"net/http"
	"strings"
)

// RouteHandler is a function type for HTTP handlers
type RouteHandler func(http.ResponseWriter, *http.Request)

// MethodRouter maps HTTP methods to handlers
type MethodRouter map[string]RouteHandler

// RouteByMethod routes requests based on HTTP method with standardized error handling
func RouteByMethod(w http.ResponseWriter, r *http.Request, routes MethodRouter) {
	handler, ok := routes[r.Method]
	if !ok {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	handler(w, r)
}

// RouteResourceCollection handles standard list + create pattern
// GET -> list, POST -> create
func RouteResourceCollection(w http.ResponseWriter, r *http.Request, list, create RouteHandler) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  list,
		http.MethodPost: create,
	})
}

// PathSuffixRouter routes a sub-resource path suffix by method
type PathSuffixRouter struct {
	Suffix string
	Routes MethodRouter
}

// RouteByPathSuffix routes requests under prefix+{id} by the remaining suffix.
// Suffixes are matched exactly, so "/trace" does not match "/trace/raw".
// Returns true if a route was matched and handled.
func RouteByPathSuffix(w http.ResponseWriter, r *http.Request, prefix string, routes []PathSuffixRouter) bool {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if rest == r.URL.Path || rest == "" {
		return false
	}

	suffix := ""
	if i := strings.Index(rest, "/"); i >= 0 {
		suffix = strings.TrimSuffix(rest[i:], "/")
	}

	for _, route := range routes {
		if route.Suffix == suffix {
			RouteByMethod(w, r, route.Routes)
			return true
		}
	}
	return false
}
