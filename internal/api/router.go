package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	_ "compass-pipeline/docs"
	"compass-pipeline/internal/api/handler"
	"compass-pipeline/pkg/router"
)

// RegisterRoutes mounts the workflow API, the metrics endpoint and the
// swagger UI
func RegisterRoutes(r *router.Router, h *handler.Handler, gatherer prometheus.Gatherer) {
	r.POST("/workflows", h.CreateWorkflow)
	r.GET("/workflows", h.ListWorkflows)
	// More specific routes first
	r.GET("/workflows/*/errors", h.GetWorkflowErrors)
	r.GET("/workflows/*/stages", h.GetWorkflowStages)
	r.GET("/workflows/*", h.GetWorkflow)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Handle("/swagger/", httpSwagger.WrapHandler)
}
