// Package refresh schedules single-repository runs for the stale members of
// a community.
package refresh

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"compass-pipeline/internal/model"
	"compass-pipeline/internal/retry"
	"compass-pipeline/internal/store"
	"compass-pipeline/internal/telemetry"
)

// Workflow is the workflow refresh requests run
const Workflow = "etl_v1"

// Submitter hands a request to the pipeline entry point
type Submitter interface {
	Submit(ctx context.Context, req model.Request) (string, error)
}

// Options tune the controller
type Options struct {
	Threshold time.Duration // records older than this are stale
	Rate      rate.Limit    // submissions per second
	Burst     int
	DedupTTL  time.Duration // window in which a repo family is not resubmitted
	Retry     retry.Config  // per-submission retry budget
	OutIndex  func(family string) string
	Now       func() time.Time
}

// Report summarizes one check
type Report struct {
	Checked      int      `json:"checked"`
	Stale        []string `json:"stale"`
	Submitted    []string `json:"submitted"`
	Deduplicated []string `json:"deduplicated,omitempty"`
	Failed       []string `json:"failed,omitempty"`
}

// Controller checks constituent freshness and submits refresh runs
type Controller struct {
	search    store.OutputStore
	submitter Submitter
	limiter   *rate.Limiter
	opts      Options
	logger    *zap.Logger
	metrics   *telemetry.Metrics

	mu     sync.Mutex
	recent map[claimKey]time.Time
}

type claimKey struct {
	url    string
	family string
}

// NewController creates a controller
func NewController(search store.OutputStore, submitter Submitter, opts Options, logger *zap.Logger, metrics *telemetry.Metrics) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	if opts.Rate <= 0 {
		opts.Rate = rate.Inf
	}
	return &Controller{
		search:    search,
		submitter: submitter,
		limiter:   rate.NewLimiter(opts.Rate, opts.Burst),
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		recent:    make(map[claimKey]time.Time),
	}
}

// CheckAndRefresh looks up the newest repo-level record of every constituent
// for each family. A constituent stale for any family gets one request that
// carries only its stale families and the same window. Search errors abort
// the check; submission failures are logged and reported.
func (c *Controller) CheckAndRefresh(ctx context.Context, agg *model.Aggregate, families []string, window model.DateWindow, parent string) (Report, error) {
	report := Report{Stale: []string{}, Submitted: []string{}}
	cutoff := c.opts.Now().Add(-c.opts.Threshold)

	for _, target := range agg.UniqueTargets() {
		report.Checked++

		var stale []string
		for _, family := range families {
			hits, err := c.search.Search(ctx, c.opts.OutIndex(family), store.Query{
				Label: target.URL,
				Level: string(model.LevelRepo),
				Limit: 1,
			})
			if err != nil {
				return report, eris.Wrapf(err, "check freshness of %s", target.URL)
			}
			if len(hits) == 0 || hits[0].ComputedAt.Before(cutoff) {
				stale = append(stale, family)
			}
		}
		if len(stale) == 0 {
			continue
		}
		report.Stale = append(report.Stale, target.URL)

		claimed := c.claim(target.URL, stale)
		if len(claimed) == 0 {
			report.Deduplicated = append(report.Deduplicated, target.URL)
			c.count("deduplicated")
			c.logger.Debug("refresh recently submitted", zap.String("url", target.URL), zap.Strings("metrics", stale))
			continue
		}

		if err := c.submit(ctx, target, claimed, window, parent); err != nil {
			c.release(target.URL, claimed)
			report.Failed = append(report.Failed, target.URL)
			c.count("failed")
			c.logger.Warn("refresh submission failed", zap.String("url", target.URL), zap.Error(err))
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			continue
		}
		report.Submitted = append(report.Submitted, target.URL)
		c.count("submitted")
	}
	return report, nil
}

func (c *Controller) submit(ctx context.Context, target model.Target, families []string, window model.DateWindow, parent string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "wait for refresh slot")
	}
	sort.Strings(families)
	req := model.Request{
		Name:    Workflow,
		Payload: model.RefreshPayload(target.URL, families, window),
		Parent:  parent,
	}
	_, err := retry.Do(ctx, c.opts.Retry, func(int) error {
		id, err := c.submitter.Submit(ctx, req)
		if err == nil {
			c.logger.Info("refresh scheduled",
				zap.String("url", target.URL), zap.Strings("metrics", families), zap.String("run_id", id))
		}
		return err
	})
	return err
}

// claim marks the families of url as submitted and returns those that were
// not already submitted within the TTL
func (c *Controller) claim(url string, families []string) []string {
	if c.opts.DedupTTL <= 0 {
		return families
	}
	now := c.opts.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, at := range c.recent {
		if now.Sub(at) >= c.opts.DedupTTL {
			delete(c.recent, k)
		}
	}
	var claimed []string
	for _, family := range families {
		k := claimKey{url: url, family: family}
		if _, ok := c.recent[k]; ok {
			continue
		}
		c.recent[k] = now
		claimed = append(claimed, family)
	}
	return claimed
}

func (c *Controller) release(url string, families []string) {
	c.mu.Lock()
	for _, family := range families {
		delete(c.recent, claimKey{url: url, family: family})
	}
	c.mu.Unlock()
}

func (c *Controller) count(result string) {
	if c.metrics != nil {
		c.metrics.RefreshRequests.WithLabelValues(result).Inc()
	}
}
