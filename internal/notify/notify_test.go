package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/retry"
	"compass-pipeline/internal/telemetry"
)

func newDispatcher(maxRetries int) *Dispatcher {
	return NewDispatcher(nil, "hook-secret", "https://compass.example.org/", retry.Config{MaxRetries: maxRetries}, zap.NewNop(), telemetry.NewNop())
}

func TestNotifyInvalidCallbackMakesNoRequest(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	d := newDispatcher(2)
	for name, cb := range map[string]*model.Callback{
		"nil":          nil,
		"empty hook":   {HookURL: "", Params: map[string]interface{}{"id": 1}},
		"empty params": {HookURL: srv.URL},
	} {
		res := d.Notify(context.Background(), cb, Event{Success: true})
		if res.Status || res.Message != "no callback" {
			t.Errorf("%s: result = %+v", name, res)
		}
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("hook called %d times, want 0", n)
	}
}

func TestNotifyGenericPayload(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	params := map[string]interface{}{"report_id": "42"}
	cb := &model.Callback{HookURL: srv.URL, Params: params}
	res := newDispatcher(0).Notify(context.Background(), cb, Event{
		Success: true,
		Message: "https://github.com/org/repo analysis task finished successfully",
		Label:   "https://github.com/org/repo",
		Level:   model.LevelRepo,
		Domain:  model.PlatformGitHub,
	})

	if !res.Status || res.HTTPStatus != http.StatusOK || res.Body != "ok" || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got["report_id"] != "42" || got["password"] != "hook-secret" || got["domain"] != "github" {
		t.Errorf("payload = %+v", got)
	}
	result, _ := got["result"].(map[string]interface{})
	if result["status"] != true {
		t.Errorf("result = %+v", result)
	}
	wantURL := "https://compass.example.org/analyze?label=https%3A%2F%2Fgithub.com%2Forg%2Frepo&level=repo"
	if result["report_url"] != wantURL {
		t.Errorf("report_url = %v, want %v", result["report_url"], wantURL)
	}
	if _, ok := params["password"]; ok {
		t.Error("caller params were modified")
	}
}

func TestNotifyFailureReportsTask(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	cb := &model.Callback{HookURL: srv.URL, Params: map[string]interface{}{"report_id": "42"}}
	res := newDispatcher(0).NotifyFailure(context.Background(), cb, "raw", errors.New("collector exited with status 1"), Event{
		Success: true,
		Label:   "https://github.com/org/repo",
		Level:   model.LevelRepo,
		Domain:  model.PlatformGitHub,
	})
	if !res.Status {
		t.Fatalf("result = %+v", res)
	}
	result, _ := got["result"].(map[string]interface{})
	if result["status"] != false || result["task"] != "raw" || result["message"] != "collector exited with status 1" {
		t.Errorf("result = %+v", result)
	}
}

func TestPayloadMachineShape(t *testing.T) {
	d := newDispatcher(0)
	cb := &model.Callback{HookURL: "http://hook", Params: map[string]interface{}{"callback_type": MachineCallbackType, "task_id": 7}}

	body := d.Payload(cb, Event{Success: false, Message: "raw failed", Task: "raw", Label: "openeuler", Level: model.LevelCommunity, Metrics: []string{"activity"}})
	result, ok := body["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("result missing: %+v", body)
	}
	if result["task_status"] != "failed" || result["label"] != "openeuler" || result["level"] != "community" {
		t.Errorf("machine result = %+v", result)
	}
	if _, ok := result["status"]; ok {
		t.Errorf("machine result carries generic status field")
	}
	if body["task_id"] != 7 {
		t.Errorf("params not carried: %+v", body)
	}

	generic := d.Payload(&model.Callback{HookURL: "http://hook", Params: map[string]interface{}{"callback_type": "other"}},
		Event{Success: false, Task: "extract", Message: "no support project"})
	genericResult := generic["result"].(map[string]interface{})
	if genericResult["task"] != "extract" || genericResult["status"] != false {
		t.Errorf("generic failure result = %+v", genericResult)
	}
}

func TestNotifyRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cb := &model.Callback{HookURL: srv.URL, Params: map[string]interface{}{"id": "x"}}
	res := newDispatcher(2).Notify(context.Background(), cb, Event{Success: true})
	if !res.Status || res.Attempts != 3 || res.HTTPStatus != http.StatusAccepted {
		t.Errorf("result = %+v", res)
	}
}

func TestNotifyDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad password", http.StatusUnauthorized)
	}))
	defer srv.Close()

	cb := &model.Callback{HookURL: srv.URL, Params: map[string]interface{}{"id": "x"}}
	res := newDispatcher(3).Notify(context.Background(), cb, Event{Success: true})
	if res.Status || res.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("result = %+v", res)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}
