package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/queue"
	"compass-pipeline/internal/store"
)

type fakeSubmitter struct {
	got []model.Request
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, req model.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.got = append(f.got, req)
	return req.ID, nil
}

func newTestHandler(t *testing.T, sub Submitter) (*Handler, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sub, db, zap.NewNop()), db
}

func TestCreateWorkflow(t *testing.T) {
	sub := &fakeSubmitter{}
	h, _ := newTestHandler(t, sub)

	body := `{"name":"etl_v1","payload":{"project_url":"https://github.com/org/repo","metrics_activity":true}}`
	rec := httptest.NewRecorder()
	h.CreateWorkflow(rec, httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(body)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp SubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.RunID == "" || resp.Status != model.StatusPending {
		t.Errorf("response = %+v", resp)
	}
	if len(sub.got) != 1 || sub.got[0].ID != resp.RunID || sub.got[0].Payload["metrics_activity"] != true {
		t.Errorf("submitted = %+v", sub.got)
	}
}

func TestCreateWorkflowRejects(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{name: "bad json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "unknown workflow", body: `{"name":"nope","payload":{}}`, wantCode: http.StatusBadRequest},
		{name: "missing payload", body: `{"name":"etl_v1"}`, wantCode: http.StatusBadRequest},
		{name: "queue full", body: `{"name":"etl_v1","payload":{}}`, err: queue.ErrFull, wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t, &fakeSubmitter{err: tt.err})
			rec := httptest.NewRecorder()
			h.CreateWorkflow(rec, httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(tt.body)))
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestGetWorkflow(t *testing.T) {
	h, db := newTestHandler(t, &fakeSubmitter{})
	ctx := context.Background()
	req := model.Request{ID: "run-1", Name: "etl_v1", Payload: map[string]interface{}{"project_url": "https://github.com/org/repo"}}
	if err := db.SaveRun(ctx, req); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if err := db.SaveRunContext(ctx, "run-1", map[string]interface{}{"raw_finished_at": "skipped"}); err != nil {
		t.Fatalf("SaveRunContext: %v", err)
	}

	rec := httptest.NewRecorder()
	h.GetWorkflow(rec, httptest.NewRequest(http.MethodGet, "/workflows/run-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var run model.Run
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID != "run-1" || run.Context["raw_finished_at"] != "skipped" {
		t.Errorf("run = %+v", run)
	}

	for _, path := range []string{"/workflows/missing", "/workflows/missing/errors", "/workflows/missing/stages"} {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, path, nil)
		switch {
		case strings.HasSuffix(path, "/errors"):
			h.GetWorkflowErrors(rec, r)
		case strings.HasSuffix(path, "/stages"):
			h.GetWorkflowStages(rec, r)
		default:
			h.GetWorkflow(rec, r)
		}
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, rec.Code)
		}
	}
}

func TestListWorkflows(t *testing.T) {
	h, db := newTestHandler(t, &fakeSubmitter{})
	for _, id := range []string{"a", "b"} {
		if err := db.SaveRun(context.Background(), model.Request{ID: id, Name: "etl_v1"}); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	h.ListWorkflows(rec, httptest.NewRequest(http.MethodGet, "/workflows", nil))
	var runs []model.RunSummary
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("runs = %+v", runs)
	}
}
