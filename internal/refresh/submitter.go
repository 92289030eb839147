package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/retry"
)

// HTTPSubmitter posts requests to a remote POST /workflows endpoint
type HTTPSubmitter struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSubmitter creates a submitter for the service at baseURL
func NewHTTPSubmitter(baseURL string, client *http.Client) *HTTPSubmitter {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSubmitter{
		endpoint: strings.TrimRight(baseURL, "/") + "/workflows",
		client:   client,
	}
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

// Submit posts req and returns the run id assigned by the remote service.
// Client errors are permanent.
func (s *HTTPSubmitter) Submit(ctx context.Context, req model.Request) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"name":    req.Name,
		"payload": req.Payload,
		"parent":  req.Parent,
	})
	if err != nil {
		return "", retry.Permanent(eris.Wrap(err, "encode workflow request"))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", retry.Permanent(eris.Wrap(err, "build workflow request"))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", eris.Wrapf(err, "post %s", s.endpoint)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("post %s: status %d", s.endpoint, resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", retry.Permanent(fmt.Errorf("post %s: status %d: %s", s.endpoint, resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var out submitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", eris.Wrap(err, "decode workflow response")
	}
	return out.RunID, nil
}
