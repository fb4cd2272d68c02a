package controllers

import (
	"net/http"

	"github.com/hashicorp/go-hclog"

	"flowbroker/cluster"
	"flowbroker/config"
	"flowbroker/utils"
)

type HealthCheckController interface {
	HealthCheck(w http.ResponseWriter, r *http.Request)
}

type healthCheckController struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
	lease            cluster.Lease
}

func NewHealthCheckController(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, lease cluster.Lease) HealthCheckController {
	return &healthCheckController{
		logger:           logger.Named("healthcheck-controller"),
		flowbrokerConfig: flowbrokerConfig,
		lease:            lease,
	}
}

func (controller *healthCheckController) HealthCheck(w http.ResponseWriter, r *http.Request) {
	configs := controller.flowbrokerConfig.GetConfigurations()
	utils.SendJSON(w, map[string]any{
		"address":         configs.Address(),
		"nodeId":          configs.NodeId,
		"activeScheduler": controller.lease.IsActiveScheduler(),
	}, true, http.StatusOK, nil)
}
