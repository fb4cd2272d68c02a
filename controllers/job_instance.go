package controllers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"flowbroker/models"
	"flowbroker/service"
	"flowbroker/utils"
)

type JobInstanceController interface {
	Feedback(w http.ResponseWriter, r *http.Request)
	Report(w http.ResponseWriter, r *http.Request)
	GetJobInstance(w http.ResponseWriter, r *http.Request)
}

type jobInstanceController struct {
	logger  hclog.Logger
	service *service.Service
}

func NewJobInstanceController(logger hclog.Logger, service *service.Service) JobInstanceController {
	return &jobInstanceController{
		logger:  logger.Named("job-instance-controller"),
		service: service,
	}
}

// Feedback terminal outcome report from a worker. Duplicate reports are
// acknowledged without effect.
func (controller *jobInstanceController) Feedback(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	jobInstanceId := params["id"]

	body := utils.ExtractBody(w, r)
	if body == nil {
		return
	}
	payload := models.FeedbackPayload{}
	if err := payload.FromJSON(body); err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusUnprocessableEntity, nil)
		return
	}
	payload.JobInstanceID = jobInstanceId

	if feedbackErr := controller.service.Feedback(payload); feedbackErr != nil {
		utils.SendJSON(w, feedbackErr.Message, false, feedbackErr.Type, nil)
		return
	}
	utils.SendJSON(w, nil, true, http.StatusNoContent, nil)
}

// Report liveness ping for a long-running execution.
func (controller *jobInstanceController) Report(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	jobInstanceId := params["id"]

	if reportErr := controller.service.ReportProgress(jobInstanceId); reportErr != nil {
		utils.SendJSON(w, reportErr.Message, false, reportErr.Type, nil)
		return
	}
	utils.SendJSON(w, nil, true, http.StatusNoContent, nil)
}

func (controller *jobInstanceController) GetJobInstance(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	jobInstanceId := params["id"]

	jobInstance, getErr := controller.service.JobInstanceRepo.GetJobInstance(jobInstanceId)
	if getErr != nil {
		utils.SendJSON(w, getErr.Message, false, getErr.Type, nil)
		return
	}
	utils.SendJSON(w, jobInstance, true, http.StatusOK, nil)
}
