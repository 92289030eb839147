// Package router is a small method-aware mux with "*" path segments and
// request logging.
package router

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

type HandlerFunc func(http.ResponseWriter, *http.Request)

type Router struct {
	mux      *http.ServeMux
	routes   map[string]map[string]HandlerFunc // path -> method -> handler
	patterns []string                          // wildcard paths in registration order
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		routes: make(map[string]map[string]HandlerFunc),
		logger: logger,
	}
	r.mux.HandleFunc("/", r.dispatch)
	return r
}

func (r *Router) dispatch(w http.ResponseWriter, req *http.Request) {
	h, allowed := r.lookup(req.URL.Path, req.Method)
	switch {
	case h != nil:
		h(w, req)
	case len(allowed) > 0:
		sort.Strings(allowed)
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	default:
		http.Error(w, "Not Found", http.StatusNotFound)
	}
}

// lookup finds the handler for path and method. Exact paths win; wildcard
// paths are tried in registration order, so register specific routes first.
// When nothing handles the method, the methods the path does accept are
// returned.
func (r *Router) lookup(path, method string) (HandlerFunc, []string) {
	if methods, ok := r.routes[path]; ok {
		if h, ok := methods[method]; ok {
			return h, nil
		}
		return nil, methodNames(methods)
	}
	var allowed []string
	for _, pattern := range r.patterns {
		if !matchWildcardRoute(path, pattern) {
			continue
		}
		methods := r.routes[pattern]
		if h, ok := methods[method]; ok {
			return h, nil
		}
		allowed = append(allowed, methodNames(methods)...)
	}
	return nil, allowed
}

func methodNames(methods map[string]HandlerFunc) []string {
	names := make([]string, 0, len(methods))
	for m := range methods {
		names = append(names, m)
	}
	return names
}

// matchWildcardRoute reports whether requestPath matches routePattern. "*"
// matches one segment, or any number of segments when it is the last one.
func matchWildcardRoute(requestPath, routePattern string) bool {
	requestSegments := strings.Split(strings.Trim(requestPath, "/"), "/")
	routeSegments := strings.Split(strings.Trim(routePattern, "/"), "/")

	last := len(routeSegments) - 1
	if routeSegments[last] == "*" {
		if len(requestSegments) < len(routeSegments) {
			return false
		}
		return segmentsMatch(requestSegments[:last], routeSegments[:last])
	}
	if len(requestSegments) != len(routeSegments) {
		return false
	}
	return segmentsMatch(requestSegments, routeSegments)
}

func segmentsMatch(request, route []string) bool {
	for i, seg := range route {
		if seg != "*" && request[i] != seg {
			return false
		}
	}
	return true
}

func (r *Router) register(method, path string, handler HandlerFunc) {
	methods, ok := r.routes[path]
	if !ok {
		methods = make(map[string]HandlerFunc)
		r.routes[path] = methods
		if strings.Contains(path, "*") {
			r.patterns = append(r.patterns, path)
		}
	}
	methods[method] = handler
}

func (r *Router) GET(path string, handler HandlerFunc)  { r.register(http.MethodGet, path, handler) }
func (r *Router) POST(path string, handler HandlerFunc) { r.register(http.MethodPost, path, handler) }
func (r *Router) PUT(path string, handler HandlerFunc)  { r.register(http.MethodPut, path, handler) }
func (r *Router) DELETE(path string, handler HandlerFunc) {
	r.register(http.MethodDelete, path, handler)
}

// Handle mounts h on a path prefix ending in "/", or on an exact path,
// bypassing method routing
func (r *Router) Handle(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

// ServeHTTP serves and logs one request
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	r.mux.ServeHTTP(lrw, req)

	log := r.logger.Info
	if lrw.statusCode >= http.StatusInternalServerError {
		log = r.logger.Error
	}
	log("request",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", lrw.statusCode),
		zap.Duration("took", time.Since(start)))
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests for up to 10 seconds
func (r *Router) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("server started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
