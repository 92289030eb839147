package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/retry"
	"compass-pipeline/internal/store"
	"compass-pipeline/internal/telemetry"
)

var now = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	hits map[string]map[string]time.Time // index -> label -> computed_at
	err  error
}

func (f *fakeStore) Search(_ context.Context, index string, q store.Query) ([]store.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	if q.Level != "repo" || q.Limit != 1 {
		return nil, errors.New("unexpected query")
	}
	at, ok := f.hits[index][q.Label]
	if !ok {
		return nil, nil
	}
	return []store.Hit{{Index: index, Label: q.Label, Level: q.Level, ComputedAt: at}}, nil
}

func (f *fakeStore) Record(context.Context, string, store.Hit) error { return nil }

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []model.Request
	failures int
}

func (f *fakeSubmitter) Submit(_ context.Context, req model.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", errors.New("broker unavailable")
	}
	f.requests = append(f.requests, req)
	return "child", nil
}

func community(urls ...string) *model.Aggregate {
	agg := &model.Aggregate{Name: "demo", Platform: model.PlatformGitHub}
	half := len(urls) / 2
	for i, part := range [][]string{urls[:half], urls[half:]} {
		c := model.Category{Name: []string{"software-artifact-repositories", "governance-repositories"}[i]}
		for _, u := range part {
			c.Targets = append(c.Targets, model.Target{URL: u, Platform: model.PlatformGitHub})
		}
		agg.Categories = append(agg.Categories, c)
	}
	return agg
}

func newController(s store.OutputStore, sub Submitter, ttl time.Duration) *Controller {
	return NewController(s, sub, Options{
		Threshold: 7 * 24 * time.Hour,
		DedupTTL:  ttl,
		Retry:     retry.Config{MaxRetries: 2},
		OutIndex:  func(f string) string { return "out_" + f },
		Now:       func() time.Time { return now },
	}, zap.NewNop(), telemetry.NewNop())
}

func TestStalenessRule(t *testing.T) {
	const url = "https://github.com/org/repo"
	tests := []struct {
		name      string
		hits      map[string]map[string]time.Time
		wantCount int
	}{
		{name: "six days old", hits: map[string]map[string]time.Time{"out_activity": {url: now.Add(-6 * 24 * time.Hour)}}, wantCount: 0},
		{name: "eight days old", hits: map[string]map[string]time.Time{"out_activity": {url: now.Add(-8 * 24 * time.Hour)}}, wantCount: 1},
		{name: "no record", hits: map[string]map[string]time.Time{}, wantCount: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{}
			c := newController(&fakeStore{hits: tt.hits}, sub, time.Hour)
			report, err := c.CheckAndRefresh(context.Background(), community(url), []string{"activity"}, model.DateWindow{From: "2023-01-01", To: "2024-01-01"}, "parent-run")
			if err != nil {
				t.Fatalf("CheckAndRefresh: %v", err)
			}
			if len(sub.requests) != tt.wantCount || len(report.Submitted) != tt.wantCount {
				t.Fatalf("requests = %d, submitted = %v, want %d", len(sub.requests), report.Submitted, tt.wantCount)
			}
			if tt.wantCount == 0 {
				return
			}
			req := sub.requests[0]
			if req.Name != "etl_v1" || req.Parent != "parent-run" {
				t.Errorf("request = %+v", req)
			}
			if req.Payload["project_url"] != url || req.Payload["level"] != "repo" || req.Payload["metrics_activity"] != true {
				t.Errorf("payload = %+v", req.Payload)
			}
			if req.Payload["from_date"] != "2023-01-01" || req.Payload["end_date"] != "2024-01-01" {
				t.Errorf("window not carried: %+v", req.Payload)
			}
		})
	}
}

func TestOneRequestPerTargetWithOnlyStaleFamilies(t *testing.T) {
	a, b := "https://github.com/org/a", "https://github.com/org/b"
	fresh := now.Add(-time.Hour)
	s := &fakeStore{hits: map[string]map[string]time.Time{
		"out_activity":  {a: fresh, b: fresh},
		"out_community": {b: fresh},
	}}
	sub := &fakeSubmitter{}
	c := newController(s, sub, time.Hour)

	// a appears in both categories and must be checked once
	report, err := c.CheckAndRefresh(context.Background(), community(a, b, a), []string{"activity", "community"}, model.DateWindow{}, "")
	if err != nil {
		t.Fatalf("CheckAndRefresh: %v", err)
	}
	if report.Checked != 2 {
		t.Errorf("Checked = %d, want 2", report.Checked)
	}
	if len(sub.requests) != 1 {
		t.Fatalf("requests = %+v, want exactly one", sub.requests)
	}
	payload := sub.requests[0].Payload
	if payload["project_url"] != a || payload["metrics_community"] != true {
		t.Errorf("payload = %+v", payload)
	}
	if _, ok := payload["metrics_activity"]; ok {
		t.Errorf("fresh family included in refresh: %+v", payload)
	}
}

func TestDedupGuardSuppressesResubmission(t *testing.T) {
	url := "https://github.com/org/repo"
	sub := &fakeSubmitter{}
	c := newController(&fakeStore{}, sub, time.Hour)

	for i := 0; i < 2; i++ {
		if _, err := c.CheckAndRefresh(context.Background(), community(url), []string{"activity"}, model.DateWindow{}, ""); err != nil {
			t.Fatalf("CheckAndRefresh: %v", err)
		}
	}
	if len(sub.requests) != 1 {
		t.Errorf("requests = %d, want 1 within the dedup window", len(sub.requests))
	}

	later := newController(&fakeStore{}, sub, 0)
	if _, err := later.CheckAndRefresh(context.Background(), community(url), []string{"activity"}, model.DateWindow{}, ""); err != nil {
		t.Fatalf("CheckAndRefresh: %v", err)
	}
	if len(sub.requests) != 2 {
		t.Errorf("requests = %d, want 2 with dedup disabled", len(sub.requests))
	}
}

func TestDedupGuardIsPerFamily(t *testing.T) {
	url := "https://github.com/org/repo"
	s := &fakeStore{hits: map[string]map[string]time.Time{
		"out_codequality": {url: now.Add(-time.Hour)},
	}}
	sub := &fakeSubmitter{}
	c := newController(s, sub, time.Hour)

	if _, err := c.CheckAndRefresh(context.Background(), community(url), []string{"activity", "codequality"}, model.DateWindow{}, ""); err != nil {
		t.Fatalf("CheckAndRefresh: %v", err)
	}

	// codequality goes stale for a second community within the window
	delete(s.hits, "out_codequality")
	report, err := c.CheckAndRefresh(context.Background(), community(url), []string{"activity", "codequality"}, model.DateWindow{}, "")
	if err != nil {
		t.Fatalf("CheckAndRefresh: %v", err)
	}
	if len(report.Submitted) != 1 || len(report.Deduplicated) != 0 {
		t.Fatalf("report = %+v, want codequality submitted", report)
	}
	if len(sub.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(sub.requests))
	}
	payload := sub.requests[1].Payload
	if payload["metrics_codequality"] != true {
		t.Errorf("payload = %+v, want codequality", payload)
	}
	if _, ok := payload["metrics_activity"]; ok {
		t.Errorf("activity resubmitted within the dedup window: %+v", payload)
	}

	report, err = c.CheckAndRefresh(context.Background(), community(url), []string{"activity", "codequality"}, model.DateWindow{}, "")
	if err != nil {
		t.Fatalf("CheckAndRefresh: %v", err)
	}
	if len(report.Deduplicated) != 1 || len(sub.requests) != 2 {
		t.Errorf("report = %+v, requests = %d, want fully deduplicated", report, len(sub.requests))
	}
}

func TestSubmissionRetriesAndFailures(t *testing.T) {
	url := "https://github.com/org/repo"

	sub := &fakeSubmitter{failures: 2}
	report, err := newController(&fakeStore{}, sub, time.Hour).CheckAndRefresh(context.Background(), community(url), []string{"activity"}, model.DateWindow{}, "")
	if err != nil {
		t.Fatalf("CheckAndRefresh: %v", err)
	}
	if len(report.Submitted) != 1 || len(sub.requests) != 1 {
		t.Errorf("report = %+v, want submission after retries", report)
	}

	sub = &fakeSubmitter{failures: 10}
	report, err = newController(&fakeStore{}, sub, time.Hour).CheckAndRefresh(context.Background(), community(url), []string{"activity"}, model.DateWindow{}, "")
	if err != nil {
		t.Fatalf("submission failures must not fail the check: %v", err)
	}
	if len(report.Failed) != 1 || len(report.Submitted) != 0 {
		t.Errorf("report = %+v", report)
	}
}

func TestSearchErrorAborts(t *testing.T) {
	_, err := newController(&fakeStore{err: errors.New("index unavailable")}, &fakeSubmitter{}, time.Hour).
		CheckAndRefresh(context.Background(), community("https://github.com/org/repo"), []string{"activity"}, model.DateWindow{}, "")
	if err == nil {
		t.Fatal("expected search error")
	}
}

func TestHTTPSubmitter(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/workflows" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"run_id":"abc","status":"pending"}`))
	}))
	defer srv.Close()

	s := NewHTTPSubmitter(srv.URL+"/", nil)
	id, err := s.Submit(context.Background(), model.Request{Name: "etl_v1", Payload: map[string]interface{}{"project_url": "https://github.com/org/repo"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "abc" || got["name"] != "etl_v1" {
		t.Errorf("id = %q, body = %+v", id, got)
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown workflow", http.StatusBadRequest)
	}))
	defer bad.Close()
	if _, err := NewHTTPSubmitter(bad.URL, nil).Submit(context.Background(), model.Request{Name: "x"}); !retry.IsPermanent(err) {
		t.Errorf("4xx error = %v, want permanent", err)
	}
}
