package controllers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"

	"flowbroker/models"
	"flowbroker/service"
	"flowbroker/utils"
)

type PlanController interface {
	CreatePlan(w http.ResponseWriter, r *http.Request)
	GetPlan(w http.ResponseWriter, r *http.Request)
	SetEnabled(w http.ResponseWriter, r *http.Request)
	TriggerPlan(w http.ResponseWriter, r *http.Request)
	ManualAdvance(w http.ResponseWriter, r *http.Request)
}

type planController struct {
	logger  hclog.Logger
	service *service.Service
}

func NewPlanController(logger hclog.Logger, service *service.Service) PlanController {
	return &planController{
		logger:  logger.Named("plan-controller"),
		service: service,
	}
}

func (controller *planController) CreatePlan(w http.ResponseWriter, r *http.Request) {
	body := utils.ExtractBody(w, r)
	if body == nil {
		return
	}

	plan := models.Plan{Enabled: true}
	if err := plan.FromJSON(body); err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusUnprocessableEntity, nil)
		return
	}

	created, createErr := controller.service.CreatePlan(&plan)
	if createErr != nil {
		utils.SendJSON(w, createErr.Message, false, createErr.Type, nil)
		return
	}
	utils.SendJSON(w, created, true, http.StatusCreated, nil)
}

func (controller *planController) GetPlan(w http.ResponseWriter, r *http.Request) {
	planId, ok := pathId(w, r, "id")
	if !ok {
		return
	}

	plan, getErr := controller.service.PlanRepo.GetLatestPlanVersion(planId)
	if getErr != nil {
		utils.SendJSON(w, getErr.Message, false, getErr.Type, nil)
		return
	}
	utils.SendJSON(w, plan, true, http.StatusOK, nil)
}

func (controller *planController) SetEnabled(w http.ResponseWriter, r *http.Request) {
	planId, ok := pathId(w, r, "id")
	if !ok {
		return
	}
	versionParam, err := utils.ValidateQueryString("version", r)
	if err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusBadRequest, nil)
		return
	}
	version, err := strconv.ParseUint(versionParam, 10, 64)
	if err != nil {
		utils.SendJSON(w, "version must be a number", false, http.StatusBadRequest, nil)
		return
	}
	enabledParam, err := utils.ValidateQueryString("enabled", r)
	if err != nil {
		utils.SendJSON(w, err.Error(), false, http.StatusBadRequest, nil)
		return
	}

	setErr := controller.service.SetPlanEnabled(planId, version, enabledParam == "true")
	if setErr != nil {
		utils.SendJSON(w, setErr.Message, false, setErr.Type, nil)
		return
	}
	utils.SendJSON(w, nil, true, http.StatusNoContent, nil)
}

func (controller *planController) TriggerPlan(w http.ResponseWriter, r *http.Request) {
	planId, ok := pathId(w, r, "id")
	if !ok {
		return
	}

	attributes := map[string]string{}
	if r.ContentLength > 0 {
		body := utils.ExtractBody(w, r)
		if body == nil {
			return
		}
		payload := struct {
			Attributes map[string]string `json:"attributes"`
		}{}
		if err := json.Unmarshal(body, &payload); err != nil {
			utils.SendJSON(w, err.Error(), false, http.StatusUnprocessableEntity, nil)
			return
		}
		attributes = payload.Attributes
	}

	planInstance, triggerErr := controller.service.TriggerPlan(planId, attributes)
	if triggerErr != nil {
		utils.SendJSON(w, triggerErr.Message, false, triggerErr.Type, nil)
		return
	}
	utils.SendJSON(w, planInstance, true, http.StatusCreated, nil)
}

// ManualAdvance fires an API-triggered job inside a running plan instance.
func (controller *planController) ManualAdvance(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	planInstanceId := params["planInstanceId"]
	jobId := params["jobId"]
	if planInstanceId == "" || jobId == "" {
		utils.SendJSON(w, "plan instance id and job id are required", false, http.StatusBadRequest, nil)
		return
	}

	jobInstance, advanceErr := controller.service.Processor.ManualAdvance(planInstanceId, jobId)
	if advanceErr != nil {
		utils.SendJSON(w, advanceErr.Message, false, advanceErr.Type, nil)
		return
	}
	utils.SendJSON(w, jobInstance, true, http.StatusCreated, nil)
}

func pathId(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	params := mux.Vars(r)
	id, err := strconv.ParseUint(params[name], 10, 64)
	if err != nil {
		utils.SendJSON(w, name+" must be a number", false, http.StatusBadRequest, nil)
		return 0, false
	}
	return id, true
}
