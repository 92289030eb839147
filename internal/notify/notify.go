// Package notify delivers run results to caller-supplied callback hooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/retry"
	"compass-pipeline/internal/telemetry"
)

// MachineCallbackType marks callbacks consumed by the downstream automation
// service, which expects the machine payload shape
const MachineCallbackType = "tpc_software_callback"

// NoCallbackMessage is reported when a run carries no usable callback
const NoCallbackMessage = "no callback"

// Event is the outcome of a run to report
type Event struct {
	Success bool
	Message string
	Task    string // stage or task that failed
	Label   string
	Level   model.Level
	Domain  model.Platform
	Metrics []string
}

// Result is what a delivery attempt produced
type Result struct {
	Status     bool   `json:"status"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Body       string `json:"body,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
}

// Dispatcher posts run results to callback hooks
type Dispatcher struct {
	client     *http.Client
	password   string
	reportBase string
	retry      retry.Config
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

// NewDispatcher creates a dispatcher. password is the shared hook secret.
func NewDispatcher(client *http.Client, password, reportBase string, retryCfg retry.Config, logger *zap.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{
		client:     client,
		password:   password,
		reportBase: strings.TrimRight(reportBase, "/"),
		retry:      retryCfg,
		logger:     logger,
		metrics:    metrics,
	}
}

// Valid reports whether a callback has both a hook url and parameters
func Valid(cb *model.Callback) bool {
	return cb != nil && strings.TrimSpace(cb.HookURL) != "" && len(cb.Params) > 0
}

// ReportURL is the stable report location of a label at a level
func (d *Dispatcher) ReportURL(label string, level model.Level) string {
	q := url.Values{}
	q.Set("label", label)
	q.Set("level", string(level))
	return d.reportBase + "/analyze?" + q.Encode()
}

// Payload builds the body posted to the hook. The caller's params are copied,
// never modified.
func (d *Dispatcher) Payload(cb *model.Callback, ev Event) map[string]interface{} {
	body := make(map[string]interface{}, len(cb.Params)+3)
	for k, v := range cb.Params {
		body[k] = v
	}
	body["password"] = d.password
	body["domain"] = string(ev.Domain)

	reportURL := d.ReportURL(ev.Label, ev.Level)
	if callbackType, _ := cb.Params["callback_type"].(string); callbackType == MachineCallbackType {
		status := "success"
		if !ev.Success {
			status = "failed"
		}
		metrics := ev.Metrics
		if metrics == nil {
			metrics = []string{}
		}
		body["result"] = map[string]interface{}{
			"task_status": status,
			"label":       ev.Label,
			"level":       string(ev.Level),
			"report_url":  reportURL,
			"metrics":     metrics,
			"message":     ev.Message,
		}
		return body
	}

	result := map[string]interface{}{
		"status":     ev.Success,
		"message":    ev.Message,
		"report_url": reportURL,
	}
	if !ev.Success && ev.Task != "" {
		result["task"] = ev.Task
	}
	body["result"] = result
	return body
}

// Notify delivers ev to the callback. An invalid callback is a no-op. Transport
// errors and 5xx responses are retried; the outcome never fails the caller.
func (d *Dispatcher) Notify(ctx context.Context, cb *model.Callback, ev Event) Result {
	if !Valid(cb) {
		return Result{Status: false, Message: NoCallbackMessage}
	}

	data, err := json.Marshal(d.Payload(cb, ev))
	if err != nil {
		return Result{Status: false, Message: eris.Wrap(err, "encode callback payload").Error()}
	}

	var res Result
	attempts, err := retry.Do(ctx, d.retry, func(attempt int) error {
		status, body, err := d.post(ctx, cb.HookURL, data)
		res.HTTPStatus, res.Body = status, body
		if err != nil {
			d.logger.Warn("callback delivery failed",
				zap.String("hook_url", cb.HookURL), zap.Int("attempt", attempt+1), zap.Error(err))
			d.count("retry")
		}
		return err
	})
	res.Attempts = attempts
	if err != nil {
		d.count("failed")
		res.Status = false
		res.Message = err.Error()
		return res
	}

	d.count("delivered")
	res.Status = true
	res.Message = "delivered"
	return res
}

// NotifyFailure reports that task failed with err. ev carries the run's
// identity; its outcome fields are set here.
func (d *Dispatcher) NotifyFailure(ctx context.Context, cb *model.Callback, task string, err error, ev Event) Result {
	ev.Success = false
	ev.Task = task
	ev.Message = err.Error()
	return d.Notify(ctx, cb, ev)
}

func (d *Dispatcher) post(ctx context.Context, hookURL string, data []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hookURL, bytes.NewReader(data))
	if err != nil {
		return 0, "", retry.Permanent(eris.Wrapf(err, "build callback request for %s", hookURL))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", eris.Wrapf(err, "post callback %s", hookURL)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, string(body), fmt.Errorf("callback %s: status %d", hookURL, resp.StatusCode)
	case resp.StatusCode >= 400:
		return resp.StatusCode, string(body), retry.Permanent(fmt.Errorf("callback %s: status %d", hookURL, resp.StatusCode))
	}
	return resp.StatusCode, string(body), nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.CallbackAttempts.WithLabelValues(result).Inc()
	}
}
