package service

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/segmentio/ksuid"

	"flowbroker/config"
	"flowbroker/models"
	"flowbroker/repository"
	"flowbroker/utils"
)

// NextTriggerArmer arms a plan's next fire timer; fixed-delay plans only
// get their next trigger armed once the previous instance completes.
type NextTriggerArmer interface {
	ArmPlanTrigger(plan models.Plan, triggerAt time.Time)
}

// SchedulerProcessor the orchestration core: it turns plan triggers into
// plan instances, advances the DAG as feedback arrives, applies retry and
// skip policy, and detects completion.
//
// Every terminal write is a conditional update keyed on the expected prior
// status; a write that affects zero rows means another actor already
// performed the transition and the caller treats it as a success-no-op, so
// duplicate feedback never fans out twice.
type SchedulerProcessor struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
	planRepo         repository.PlanRepo
	planInstanceRepo repository.PlanInstanceRepo
	jobInstanceRepo  repository.JobInstanceRepo
	taskDispatcher   *TaskDispatcher
	pool             *utils.Dispatcher
	triggerArmer     NextTriggerArmer

	// planLocks serializes Trigger per plan id; instanceLocks serializes
	// fan-out and the completion decision per plan instance so two
	// concurrent advances cannot both conclude "plan complete" from a
	// stale read.
	planLocks     sync.Map
	instanceLocks sync.Map

	onPlanInstanceFinished func(planInstance models.PlanInstance)
}

func NewSchedulerProcessor(
	logger hclog.Logger,
	flowbrokerConfig config.FlowbrokerConfig,
	planRepo repository.PlanRepo,
	planInstanceRepo repository.PlanInstanceRepo,
	jobInstanceRepo repository.JobInstanceRepo,
	taskDispatcher *TaskDispatcher,
	pool *utils.Dispatcher) *SchedulerProcessor {
	return &SchedulerProcessor{
		logger:           logger.Named("scheduler-processor"),
		flowbrokerConfig: flowbrokerConfig,
		planRepo:         planRepo,
		planInstanceRepo: planInstanceRepo,
		jobInstanceRepo:  jobInstanceRepo,
		taskDispatcher:   taskDispatcher,
		pool:             pool,
	}
}

// SetTriggerArmer wired after construction because the trigger scheduler
// also needs the processor as its fire handler.
func (processor *SchedulerProcessor) SetTriggerArmer(armer NextTriggerArmer) {
	processor.triggerArmer = armer
}

// SetPlanInstanceListener fire-and-forget completion/failure notification;
// not required for correctness.
func (processor *SchedulerProcessor) SetPlanInstanceListener(listener func(planInstance models.PlanInstance)) {
	processor.onPlanInstanceFinished = listener
}

func (processor *SchedulerProcessor) lockFor(locks *sync.Map, key string) *sync.Mutex {
	lock, _ := locks.LoadOrStore(key, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// Trigger creates one PlanInstance for the plan at triggerAt and schedules
// the DAG's origin jobs. Creation is guarded against stale plan versions
// and duplicate firing; dispatch happens on the async pool, never on the
// caller's write path.
func (processor *SchedulerProcessor) Trigger(plan models.Plan, triggerType models.TriggerType, attributes map[string]string, triggerAt time.Time) (*models.PlanInstance, *utils.GenericError) {
	planLock := processor.lockFor(&processor.planLocks, planLockKey(plan.ID))
	planLock.Lock()
	defer planLock.Unlock()

	latest, getErr := processor.planRepo.GetLatestPlanVersion(plan.ID)
	if getErr != nil {
		return nil, getErr
	}
	if latest.Version != plan.Version {
		return nil, utils.HTTPGenericError(http.StatusConflict, "plan version changed since snapshot")
	}
	if !latest.Enabled {
		return nil, utils.HTTPGenericError(http.StatusConflict, "plan is disabled")
	}

	scheduleType := plan.ScheduleOption.ScheduleType
	if triggerType == models.TriggerTypeAPI {
		scheduleType = models.ScheduleTypeNone
	}

	if triggerType == models.TriggerTypeSchedule {
		if dupErr := processor.checkDuplicateTrigger(plan, scheduleType, triggerType, triggerAt); dupErr != nil {
			return nil, dupErr
		}
	}

	dag, graphErr := latest.DAG()
	if graphErr != nil {
		return nil, utils.HTTPGenericError(http.StatusConflict, graphErr.Error())
	}

	planInstance := &models.PlanInstance{
		ID:           ksuid.New().String(),
		PlanID:       plan.ID,
		PlanVersion:  plan.Version,
		Status:       models.PlanInstanceStatusScheduling,
		ScheduleType: scheduleType,
		TriggerType:  triggerType,
		TriggerAt:    triggerAt,
		StartAt:      time.Now().UTC(),
		Attributes:   attributes,
	}
	if createErr := processor.planInstanceRepo.CreatePlanInstance(planInstance); createErr != nil {
		return nil, createErr
	}

	jobInstances := []models.JobInstance{}
	jobSpecs := map[string]models.JobSpec{}
	for _, origin := range dag.Origins() {
		if origin.TriggerType != models.TriggerTypeSchedule {
			continue
		}
		jobInstance := processor.newJobInstance(latest, planInstance.ID, origin, 0, attributes, triggerAt)
		jobInstances = append(jobInstances, jobInstance)
		jobSpecs[jobInstance.ID] = origin
	}

	if createErr := processor.jobInstanceRepo.BatchCreateJobInstances(jobInstances); createErr != nil {
		return nil, createErr
	}

	if _, updateErr := processor.planInstanceRepo.UpdateStatusConditional(
		planInstance.ID, models.PlanInstanceStatusScheduling, models.PlanInstanceStatusExecuting, ""); updateErr != nil {
		return nil, updateErr
	}
	planInstance.Status = models.PlanInstanceStatusExecuting

	for _, jobInstance := range jobInstances {
		processor.asyncDispatch(jobInstance, jobSpecs[jobInstance.ID])
	}

	processor.logger.Info("triggered plan",
		"planId", plan.ID, "planVersion", plan.Version, "planInstanceId", planInstance.ID, "triggerAt", triggerAt)
	return planInstance, nil
}

// checkDuplicateTrigger FIXED_RATE/CRON reject a second instance for the
// same trigger time; FIXED_DELAY rejects overlap with a non-terminal run.
func (processor *SchedulerProcessor) checkDuplicateTrigger(plan models.Plan, scheduleType models.ScheduleType, triggerType models.TriggerType, triggerAt time.Time) *utils.GenericError {
	latest, getErr := processor.planInstanceRepo.GetLatestPlanInstance(plan.ID, plan.Version, scheduleType, triggerType)
	if getErr != nil {
		if getErr.Type == http.StatusNotFound {
			return nil
		}
		return getErr
	}

	switch scheduleType {
	case models.ScheduleTypeFixedRate, models.ScheduleTypeCron:
		if latest.TriggerAt.Equal(triggerAt) {
			return utils.HTTPGenericError(http.StatusConflict, "plan instance already exists for this trigger time")
		}
	case models.ScheduleTypeFixedDelay:
		if !latest.Status.Terminal() {
			return utils.HTTPGenericError(http.StatusConflict, "previous fixed-delay instance has not completed")
		}
	}
	return nil
}

// Advance consumes one job instance outcome, whether reported by a worker
// or synthesized by a recovery task.
func (processor *SchedulerProcessor) Advance(jobInstance models.JobInstance, succeeded bool, message string, feedbackContext map[string]string) *utils.GenericError {
	nextStatus := models.JobInstanceStatusSucceeded
	if !succeeded {
		nextStatus = models.JobInstanceStatusFailed
	}

	if !processor.markJobInstanceTerminal(jobInstance.ID, nextStatus, message) {
		// Another caller already settled this instance.
		return nil
	}

	plan, getErr := processor.planRepo.GetPlan(jobInstance.PlanID, jobInstance.PlanVersion)
	if getErr != nil {
		processor.logger.Error("failed to load plan for advance",
			"planId", jobInstance.PlanID, "jobInstanceId", jobInstance.ID, "error", getErr.Message)
		return getErr
	}
	dag, graphErr := plan.DAG()
	if graphErr != nil {
		processor.logger.Error("plan graph no longer valid",
			"planId", plan.ID, "planVersion", plan.Version, "error", graphErr.Message)
		return utils.HTTPGenericError(http.StatusInternalServerError, graphErr.Message)
	}
	jobSpec, ok := dag.Node(jobInstance.JobID)
	if !ok {
		processor.logger.Error("job instance references unknown job",
			"jobId", jobInstance.JobID, "planInstanceId", jobInstance.PlanInstanceID)
		return utils.HTTPGenericError(http.StatusConflict, "job id not in plan graph")
	}

	for key, value := range feedbackContext {
		if jobInstance.Context == nil {
			jobInstance.Context = map[string]string{}
		}
		jobInstance.Context[key] = value
	}

	if succeeded {
		processor.fanOut(plan, dag, jobInstance)
		return nil
	}

	if jobInstance.RetryTimes < jobSpec.RetryOption.MaxRetries {
		processor.retry(plan, jobInstance, jobSpec)
		return nil
	}

	if jobSpec.SkipWhenFail {
		// Failure is pass-through for downstream eligibility.
		processor.fanOut(plan, dag, jobInstance)
		return nil
	}

	processor.failPlanInstance(jobInstance.PlanInstanceID, message)
	return nil
}

// ManualAdvance fires an API-triggered DAG node (an approval gate, an
// externally owned step) once all of its parents are satisfied.
func (processor *SchedulerProcessor) ManualAdvance(planInstanceId string, jobId string) (*models.JobInstance, *utils.GenericError) {
	planInstance, getErr := processor.planInstanceRepo.GetPlanInstance(planInstanceId)
	if getErr != nil {
		return nil, getErr
	}
	if planInstance.Status.Terminal() {
		return nil, utils.HTTPGenericError(http.StatusConflict, "plan instance already finished")
	}

	plan, getErr := processor.planRepo.GetPlan(planInstance.PlanID, planInstance.PlanVersion)
	if getErr != nil {
		return nil, getErr
	}
	dag, graphErr := plan.DAG()
	if graphErr != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, graphErr.Message)
	}
	jobSpec, ok := dag.Node(jobId)
	if !ok {
		return nil, utils.HTTPGenericError(http.StatusNotFound, "job id not in plan graph")
	}

	instanceLock := processor.lockFor(&processor.instanceLocks, planInstanceId)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	if !processor.parentsSatisfied(planInstanceId, dag.Parents(jobId)) {
		return nil, utils.HTTPGenericError(http.StatusConflict, "parent jobs are not all satisfied")
	}

	latest, latestErr := processor.jobInstanceRepo.GetLatestJobInstance(planInstanceId, jobId)
	if latestErr != nil && latestErr.Type != http.StatusNotFound {
		return nil, latestErr
	}
	if latest != nil && !latest.Status.Terminal() {
		return nil, utils.HTTPGenericError(http.StatusConflict, "job instance already in flight")
	}

	jobInstance := processor.newJobInstance(plan, planInstanceId, jobSpec, 0, planInstance.Attributes, time.Now().UTC())
	if createErr := processor.jobInstanceRepo.CreateJobInstance(&jobInstance); createErr != nil {
		return nil, createErr
	}
	processor.asyncDispatch(jobInstance, jobSpec)
	return &jobInstance, nil
}

// ResubmitDispatch re-queues a job instance whose dispatch was lost; used
// by the schedule-check recovery task.
func (processor *SchedulerProcessor) ResubmitDispatch(jobInstance models.JobInstance) *utils.GenericError {
	plan, getErr := processor.planRepo.GetPlan(jobInstance.PlanID, jobInstance.PlanVersion)
	if getErr != nil {
		return getErr
	}
	dag, graphErr := plan.DAG()
	if graphErr != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, graphErr.Message)
	}
	jobSpec, ok := dag.Node(jobInstance.JobID)
	if !ok {
		return utils.HTTPGenericError(http.StatusConflict, "job id not in plan graph")
	}
	processor.asyncDispatch(jobInstance, jobSpec)
	return nil
}

// markJobInstanceTerminal returns true only for the caller that won the
// conditional update race.
func (processor *SchedulerProcessor) markJobInstanceTerminal(jobInstanceId string, next models.JobInstanceStatus, message string) bool {
	count, err := processor.jobInstanceRepo.UpdateStatusConditional(jobInstanceId, models.JobInstanceStatusExecuting, next, message)
	if err != nil {
		processor.logger.Error("failed to mark job instance terminal", "jobInstanceId", jobInstanceId, "error", err.Message)
		return false
	}
	if count > 0 {
		return true
	}

	// Feedback can beat the dispatch ack; settle straight from SCHEDULING.
	count, err = processor.jobInstanceRepo.UpdateStatusConditional(jobInstanceId, models.JobInstanceStatusScheduling, next, message)
	if err != nil {
		processor.logger.Error("failed to mark job instance terminal", "jobInstanceId", jobInstanceId, "error", err.Message)
		return false
	}
	return count > 0
}

// fanOut creates newly-eligible downstream jobs, or detects completion when
// the settled job is a leaf. Runs under the instance lock.
func (processor *SchedulerProcessor) fanOut(plan *models.Plan, dag *models.DAG, jobInstance models.JobInstance) {
	instanceLock := processor.lockFor(&processor.instanceLocks, jobInstance.PlanInstanceID)
	instanceLock.Lock()
	defer instanceLock.Unlock()

	children := dag.Children(jobInstance.JobID)
	if len(children) == 0 {
		processor.checkPlanCompletion(plan, dag, jobInstance.PlanInstanceID)
		return
	}

	for _, child := range children {
		if child.TriggerType != models.TriggerTypeSchedule {
			continue
		}
		if !processor.parentsSatisfied(jobInstance.PlanInstanceID, dag.Parents(child.ID)) {
			continue
		}

		latest, latestErr := processor.jobInstanceRepo.GetLatestJobInstance(jobInstance.PlanInstanceID, child.ID)
		if latestErr != nil && latestErr.Type != http.StatusNotFound {
			processor.logger.Error("failed to check existing child instance",
				"planInstanceId", jobInstance.PlanInstanceID, "jobId", child.ID, "error", latestErr.Message)
			continue
		}
		if latest != nil {
			continue
		}

		childInstance := processor.newJobInstance(plan, jobInstance.PlanInstanceID, child, 0, jobInstance.Context, time.Now().UTC())
		if createErr := processor.jobInstanceRepo.CreateJobInstance(&childInstance); createErr != nil {
			processor.logger.Error("failed to create child job instance",
				"planInstanceId", jobInstance.PlanInstanceID, "jobId", child.ID, "error", createErr.Message)
			continue
		}
		processor.asyncDispatch(childInstance, child)
	}
}

// checkPlanCompletion the plan instance succeeds once every leaf is
// terminal-success or ignorable-failure. Caller holds the instance lock.
func (processor *SchedulerProcessor) checkPlanCompletion(plan *models.Plan, dag *models.DAG, planInstanceId string) {
	planInstance, getErr := processor.planInstanceRepo.GetPlanInstance(planInstanceId)
	if getErr != nil {
		processor.logger.Error("failed to load plan instance for completion check", "planInstanceId", planInstanceId, "error", getErr.Message)
		return
	}
	if planInstance.Status.Terminal() {
		return
	}

	if !processor.parentsSatisfied(planInstanceId, dag.Leaves()) {
		return
	}

	count, updateErr := processor.planInstanceRepo.UpdateStatusConditional(
		planInstanceId, models.PlanInstanceStatusExecuting, models.PlanInstanceStatusSucceeded, "")
	if updateErr != nil {
		processor.logger.Error("failed to mark plan instance succeeded", "planInstanceId", planInstanceId, "error", updateErr.Message)
		return
	}
	if count == 0 {
		return
	}

	processor.logger.Info("plan instance succeeded", "planInstanceId", planInstanceId, "planId", plan.ID)
	planInstance.Status = models.PlanInstanceStatusSucceeded
	planInstance.FeedbackAt = time.Now().UTC()
	processor.notifyFinished(*planInstance)

	// Fixed-delay intervals measure from completion, so the next trigger
	// is only armed now.
	if planInstance.ScheduleType == models.ScheduleTypeFixedDelay && processor.triggerArmer != nil {
		next, err := plan.ScheduleOption.NextTriggerTime(planInstance.TriggerAt, planInstance.FeedbackAt, time.Now().UTC())
		if err != nil {
			processor.logger.Warn("not arming next fixed-delay trigger", "planId", plan.ID, "reason", err.Error())
			return
		}
		processor.triggerArmer.ArmPlanTrigger(*plan, next)
	}
}

func (processor *SchedulerProcessor) failPlanInstance(planInstanceId string, message string) {
	count, err := processor.planInstanceRepo.UpdateStatusConditional(
		planInstanceId, models.PlanInstanceStatusExecuting, models.PlanInstanceStatusFailed, message)
	if err != nil {
		processor.logger.Error("failed to mark plan instance failed", "planInstanceId", planInstanceId, "error", err.Message)
		return
	}
	if count == 0 {
		return
	}
	processor.logger.Warn("plan instance failed", "planInstanceId", planInstanceId, "message", message)
	if planInstance, getErr := processor.planInstanceRepo.GetPlanInstance(planInstanceId); getErr == nil {
		processor.notifyFinished(*planInstance)
	}
}

func (processor *SchedulerProcessor) notifyFinished(planInstance models.PlanInstance) {
	if processor.onPlanInstanceFinished == nil {
		return
	}
	listener := processor.onPlanInstanceFinished
	go listener(planInstance)
}

// parentsSatisfied a parent counts when its latest instance SUCCEEDED, or
// FAILED on a skip-when-fail job. A missing instance is a data consistency
// warning and fails closed.
func (processor *SchedulerProcessor) parentsSatisfied(planInstanceId string, parents []models.JobSpec) bool {
	for _, parent := range parents {
		latest, err := processor.jobInstanceRepo.GetLatestJobInstance(planInstanceId, parent.ID)
		if err != nil {
			if err.Type == http.StatusNotFound {
				processor.logger.Warn("expected job instance missing",
					"planInstanceId", planInstanceId, "jobId", parent.ID)
			} else {
				processor.logger.Error("failed to load parent job instance",
					"planInstanceId", planInstanceId, "jobId", parent.ID, "error", err.Message)
			}
			return false
		}
		switch latest.Status {
		case models.JobInstanceStatusSucceeded:
		case models.JobInstanceStatusFailed:
			if !parent.SkipWhenFail {
				return false
			}
			// A failed instance with retries left is not settled yet.
			if latest.RetryTimes < parent.RetryOption.MaxRetries {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (processor *SchedulerProcessor) retry(plan *models.Plan, failed models.JobInstance, jobSpec models.JobSpec) {
	triggerAt := time.Now().UTC().Add(time.Duration(jobSpec.RetryOption.RetryInterval) * time.Second)
	retryInstance := processor.newJobInstance(plan, failed.PlanInstanceID, jobSpec, failed.RetryTimes+1, failed.Context, triggerAt)
	if createErr := processor.jobInstanceRepo.CreateJobInstance(&retryInstance); createErr != nil {
		processor.logger.Error("failed to create retry job instance",
			"planInstanceId", failed.PlanInstanceID, "jobId", failed.JobID, "error", createErr.Message)
		return
	}
	processor.logger.Info("retrying job",
		"planInstanceId", failed.PlanInstanceID, "jobId", failed.JobID, "retryTimes", retryInstance.RetryTimes)
	processor.asyncDispatch(retryInstance, jobSpec)
}

// asyncDispatch queues the send on the pool so slow or unreachable workers
// never block a caller holding locks or a transaction. A dispatch that
// exhausts its worker budget funnels into the normal failure path.
func (processor *SchedulerProcessor) asyncDispatch(jobInstance models.JobInstance, jobSpec models.JobSpec) {
	submit := func() {
		processor.pool.NoBlockQueue(func(successChannel chan any, errorChannel chan any) {
			defer close(successChannel)
			defer close(errorChannel)

			result := processor.taskDispatcher.Dispatch(jobInstance, jobSpec)
			if result == DispatchResultFailed {
				if advanceErr := processor.Advance(jobInstance, false, "dispatch failed: no worker accepted the work", nil); advanceErr != nil {
					processor.logger.Error("failed to advance after dispatch failure",
						"jobInstanceId", jobInstance.ID, "error", advanceErr.Message)
				}
			}
		})
	}

	if delay := time.Until(jobInstance.TriggerAt); delay > 0 {
		time.AfterFunc(delay, submit)
		return
	}
	submit()
}

func (processor *SchedulerProcessor) newJobInstance(plan *models.Plan, planInstanceId string, jobSpec models.JobSpec, retryTimes int64, jobContext map[string]string, triggerAt time.Time) models.JobInstance {
	configs := processor.flowbrokerConfig.GetConfigurations()

	contextCopy := map[string]string{}
	for key, value := range jobContext {
		contextCopy[key] = value
	}

	return models.JobInstance{
		ID:             ksuid.New().String(),
		PlanInstanceID: planInstanceId,
		PlanID:         plan.ID,
		PlanVersion:    plan.Version,
		JobID:          jobSpec.ID,
		Status:         models.JobInstanceStatusScheduling,
		RetryTimes:     retryTimes,
		Context:        contextCopy,
		OwnerAddress:   configs.Address(),
		TriggerAt:      triggerAt,
	}
}

func planLockKey(planId uint64) string {
	return "plan-" + strconv.FormatUint(planId, 10)
}
