package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"compass-pipeline/internal/backend"
	"compass-pipeline/internal/collector"
	"compass-pipeline/internal/config"
	"compass-pipeline/internal/engine"
	"compass-pipeline/internal/logging"
	"compass-pipeline/internal/model"
	"compass-pipeline/internal/notify"
	"compass-pipeline/internal/pipeline"
	"compass-pipeline/internal/queue"
	"compass-pipeline/internal/refresh"
	"compass-pipeline/internal/store"
	"compass-pipeline/internal/telemetry"
	"compass-pipeline/internal/workspace"
)

const httpTimeout = 30 * time.Second

// app holds the wired components shared by the commands
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	db       *store.DB
	registry *prometheus.Registry
	queue    *queue.Queue
	runner   *pipeline.Runner
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.New(registry)

	workspaces, err := workspace.NewManager(cfg.StorageRoot)
	if err != nil {
		db.Close()
		return nil, err
	}
	customWorkspaces, err := workspace.NewManager(cfg.CustomRoot)
	if err != nil {
		db.Close()
		return nil, err
	}

	proxies := make(map[model.Platform]string, len(model.Platforms))
	creds := make(map[model.Platform]backend.Credentials, len(model.Platforms))
	for _, p := range model.Platforms {
		c := cfg.Credentials(p)
		proxies[p] = c.Proxy
		creds[p] = backend.Credentials{APIToken: c.APIToken, Proxy: c.Proxy}
	}
	fetcher, err := workspace.NewHTTPFetcher(proxies, httpTimeout)
	if err != nil {
		db.Close()
		return nil, err
	}

	q := queue.New(cfg.QueueSize, logger.Named("queue"), db.SaveRun)

	var submitter refresh.Submitter = q
	if cfg.Refresh.SubmitEndpoint != "" {
		submitter = refresh.NewHTTPSubmitter(cfg.Refresh.SubmitEndpoint, &http.Client{Timeout: httpTimeout})
	}
	refresher := refresh.NewController(db, submitter, refresh.Options{
		Threshold: cfg.Refresh.Threshold,
		Rate:      rate.Limit(cfg.Refresh.RatePerSecond),
		Burst:     cfg.Refresh.Burst,
		DedupTTL:  cfg.Refresh.DedupTTL,
		Retry:     cfg.RetryFor("submit"),
		OutIndex:  cfg.OutIndex,
	}, logger.Named("refresh"), metrics)

	dispatcher := notify.NewDispatcher(&http.Client{Timeout: httpTimeout},
		cfg.HookPassword, cfg.ReportBaseURL, cfg.RetryFor("callback"), logger.Named("notify"), metrics)

	runner := pipeline.NewRunner(pipeline.Deps{
		Config:           cfg,
		Workspaces:       workspaces,
		CustomWorkspaces: customWorkspaces,
		Templates:        workspace.NewTemplateLoader(fetcher),
		Planner:          backend.NewPlanner(creds),
		Collector: &collector.Command{
			Path:   cfg.Collector.Path,
			Args:   cfg.Collector.Args,
			Logger: logger.Named("collector"),
		},
		Engine: &engine.Command{
			Path:   cfg.Engine.Path,
			Args:   cfg.Engine.Args,
			URL:    cfg.OutputStoreURL,
			Logger: logger.Named("engine"),
		},
		Output:    db,
		Runs:      db,
		Refresher: refresher,
		Notifier:  dispatcher,
		Logger:    logger.Named("pipeline"),
		Metrics:   metrics,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		registry: registry,
		queue:    q,
		runner:   runner,
	}, nil
}

// handle is the queue handler: one request, one run
func (a *app) handle(ctx context.Context, req model.Request) error {
	_, err := a.runner.Run(ctx, req)
	return err
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// drain stops the queue and runs whatever is still pending
func (a *app) drain(ctx context.Context) error {
	a.queue.Close()
	return eris.Wrap(a.queue.Run(ctx, a.cfg.Workers, a.handle), "drain queue")
}
