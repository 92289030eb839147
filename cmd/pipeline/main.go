package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"compass-pipeline/internal/api"
	"compass-pipeline/internal/api/handler"
	"compass-pipeline/internal/model"
	"compass-pipeline/internal/pipeline"
	"compass-pipeline/pkg/router"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Repository and community analysis pipeline",
		Long: `pipeline collects, enriches and scores open-source repositories and
communities of repositories, and reports results to caller callbacks.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow API and run queued workflows",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	runCmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run one workflow in the foreground, then the refreshes it scheduled",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkflow,
	}
	runCmd.Flags().String("payload", "", "JSON file holding the workflow payload (- for stdin)")
	_ = runCmd.MarkFlagRequired("payload")

	rootCmd.AddCommand(serveCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := router.New(a.logger.Named("http"))
	api.RegisterRoutes(r, handler.New(a.queue, a.db, a.logger.Named("api")), a.registry)

	// workers outlive the signal so in-flight runs finish; closing the queue
	// ends them once it is drained
	g := new(errgroup.Group)
	g.Go(func() error {
		return a.queue.Run(context.WithoutCancel(ctx), a.cfg.Workers, a.handle)
	})
	g.Go(func() error {
		defer a.queue.Close()
		return r.ListenAndServe(ctx, a.cfg.Listen)
	})

	a.logger.Info("pipeline service started",
		zap.String("listen", a.cfg.Listen),
		zap.Int("workers", a.cfg.Workers),
		zap.Strings("workflows", pipeline.Workflows()))
	return g.Wait()
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	payloadPath, _ := cmd.Flags().GetString("payload")
	payload, err := readPayload(payloadPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := model.Request{ID: uuid.New().String(), Name: args[0], Payload: payload}
	c, runErr := a.runner.Run(ctx, req)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.Flatten()); err != nil {
		return eris.Wrap(err, "write run context")
	}

	if pending := a.queue.Len(); pending > 0 {
		a.logger.Info("running scheduled refreshes", zap.Int("pending", pending))
	}
	if err := a.drain(ctx); err != nil {
		return err
	}
	return runErr
}

func readPayload(path string) (map[string]interface{}, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "read payload %s", path)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, eris.Wrapf(err, "parse payload %s", path)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload %s is empty", path)
	}
	return payload, nil
}
