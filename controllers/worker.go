package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"flowbroker/models"
	"flowbroker/service"
	"flowbroker/utils"
)

type WorkerController interface {
	Register(w http.ResponseWriter, r *http.Request)
	Heartbeat(w http.ResponseWriter, r *http.Request)
}

type workerController struct {
	logger  hclog.Logger
	service *service.Service
}

func NewWorkerController(logger hclog.Logger, service *service.Service) WorkerController {
	return &workerController{
		logger:  logger.Named("worker-controller"),
		service: service,
	}
}

func (controller *workerController) Register(w http.ResponseWriter, r *http.Request) {
	body := utils.ExtractBody(w, r)
	if body == nil {
		return
	}

	workerNode := models.WorkerNode{}
	if err := workerNode.FromJSON(body); err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusUnprocessableEntity, nil)
		return
	}
	if workerNode.ID == "" || workerNode.Address == "" {
		utils.SendJSON(w, "worker id and address are required", false, http.StatusBadRequest, nil)
		return
	}

	if err := controller.service.Registry.RegisterWorker(&workerNode); err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusInternalServerError, nil)
		return
	}
	utils.SendJSON(w, workerNode, true, http.StatusCreated, nil)
}

func (controller *workerController) Heartbeat(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	workerId := params["id"]
	if workerId == "" {
		utils.SendJSON(w, "worker id is required", false, http.StatusBadRequest, nil)
		return
	}

	body := utils.ExtractBody(w, r)
	if body == nil {
		return
	}
	payload := models.HeartbeatPayload{}
	if err := payload.FromJSON(body); err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusUnprocessableEntity, nil)
		return
	}

	if err := controller.service.Registry.Heartbeat(workerId, payload.AvailableResource); err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusInternalServerError, nil)
		return
	}
	utils.SendJSON(w, nil, true, http.StatusNoContent, nil)
}
