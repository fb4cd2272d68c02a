package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"flowbroker/cluster"
	"flowbroker/config"
	"flowbroker/service"
)

// NewRouter the broker's HTTP surface: plan management for operators,
// registration, heartbeat, feedback and report for workers.
func NewRouter(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, flowbrokerService *service.Service, lease cluster.Lease) *mux.Router {
	planController := NewPlanController(logger, flowbrokerService)
	workerController := NewWorkerController(logger, flowbrokerService)
	jobInstanceController := NewJobInstanceController(logger, flowbrokerService)
	healthCheckController := NewHealthCheckController(logger, flowbrokerConfig, lease)

	router := mux.NewRouter()

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/plans", planController.CreatePlan).Methods(http.MethodPost)
	api.HandleFunc("/plans/{id}", planController.GetPlan).Methods(http.MethodGet)
	api.HandleFunc("/plans/{id}/enabled", planController.SetEnabled).Methods(http.MethodPut)
	api.HandleFunc("/plans/{id}/trigger", planController.TriggerPlan).Methods(http.MethodPost)
	api.HandleFunc("/plan-instances/{planInstanceId}/jobs/{jobId}/advance", planController.ManualAdvance).Methods(http.MethodPost)

	api.HandleFunc("/workers", workerController.Register).Methods(http.MethodPost)
	api.HandleFunc("/workers/{id}/heartbeat", workerController.Heartbeat).Methods(http.MethodPost)

	api.HandleFunc("/job-instances/{id}", jobInstanceController.GetJobInstance).Methods(http.MethodGet)
	api.HandleFunc("/job-instances/{id}/feedback", jobInstanceController.Feedback).Methods(http.MethodPost)
	api.HandleFunc("/job-instances/{id}/report", jobInstanceController.Report).Methods(http.MethodPost)

	router.HandleFunc("/healthz", healthCheckController.HealthCheck).Methods(http.MethodGet)

	return router
}

// StartServer blocks serving the router on the configured port.
func StartServer(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, router *mux.Router) error {
	configs := flowbrokerConfig.GetConfigurations()
	addr := ":" + configs.Port

	logger.Info("http server listening", "addr", addr)
	return http.ListenAndServe(addr, router)
}
