package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func reply(body string) HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, body)
	}
}

func TestRouting(t *testing.T) {
	r := New(nil)
	r.POST("/workflows", reply("create"))
	r.GET("/workflows", reply("list"))
	r.GET("/workflows/*/errors", reply("errors"))
	r.GET("/workflows/*", reply("get"))
	r.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "metrics")
	}))

	tests := []struct {
		method, path string
		wantCode     int
		wantBody     string
	}{
		{http.MethodPost, "/workflows", http.StatusOK, "create"},
		{http.MethodGet, "/workflows", http.StatusOK, "list"},
		{http.MethodGet, "/workflows/abc/errors", http.StatusOK, "errors"},
		{http.MethodGet, "/workflows/abc", http.StatusOK, "get"},
		{http.MethodGet, "/metrics", http.StatusOK, "metrics"},
		{http.MethodDelete, "/workflows", http.StatusMethodNotAllowed, ""},
		{http.MethodPost, "/workflows/abc", http.StatusMethodNotAllowed, ""},
		{http.MethodGet, "/unknown", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMethodNotAllowedListsMethods(t *testing.T) {
	r := New(nil)
	r.GET("/workflows", reply("list"))
	r.POST("/workflows", reply("create"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/workflows", nil))
	if got := rec.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q", got)
	}
}

func TestMatchWildcardRoute(t *testing.T) {
	tests := []struct {
		path, pattern string
		want          bool
	}{
		{"/workflows/a", "/workflows/*", true},
		{"/workflows/a/b", "/workflows/*", true},
		{"/workflows", "/workflows/*", false},
		{"/workflows/a/errors", "/workflows/*/errors", true},
		{"/workflows/a/stages", "/workflows/*/errors", false},
		{"/workflows/a/b/errors", "/workflows/*/errors", false},
	}
	for _, tt := range tests {
		if got := matchWildcardRoute(tt.path, tt.pattern); got != tt.want {
			t.Errorf("matchWildcardRoute(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
		}
	}
}
