package service

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowbroker/cluster"
	"flowbroker/config"
	"flowbroker/models"
	"flowbroker/repository"
)

// MetaTask a periodic control-loop body. Tasks must be idempotent; they are
// re-run from scratch every interval and may observe work a previous run
// already finished.
type MetaTask interface {
	Name() string
	Interval() time.Duration
	Execute(ctx context.Context)
}

// MetaTaskRunner drives each task on a fixed-delay loop: the next interval
// starts counting after the previous run returns, so slow runs never
// overlap themselves. Execution is gated on holding the scheduler lease; a
// panic in one run is logged and the loop continues.
type MetaTaskRunner struct {
	logger hclog.Logger
	lease  cluster.Lease
	tasks  []MetaTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMetaTaskRunner(ctx context.Context, logger hclog.Logger, lease cluster.Lease, tasks ...MetaTask) *MetaTaskRunner {
	runnerCtx, cancel := context.WithCancel(ctx)
	return &MetaTaskRunner{
		logger: logger.Named("meta-task-runner"),
		lease:  lease,
		tasks:  tasks,
		ctx:    runnerCtx,
		cancel: cancel,
	}
}

func (runner *MetaTaskRunner) Start() {
	for _, task := range runner.tasks {
		runner.wg.Add(1)
		go runner.runTask(task)
	}
}

func (runner *MetaTaskRunner) Stop() {
	runner.cancel()
	runner.wg.Wait()
}

func (runner *MetaTaskRunner) runTask(task MetaTask) {
	defer runner.wg.Done()

	timer := time.NewTimer(task.Interval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if runner.lease.IsActiveScheduler() {
				runner.executeOnce(task)
			}
			timer.Reset(task.Interval())
		case <-runner.ctx.Done():
			return
		}
	}
}

func (runner *MetaTaskRunner) executeOnce(task MetaTask) {
	defer func() {
		if recovered := recover(); recovered != nil {
			runner.logger.Error("meta task panicked", "task", task.Name(), "panic", recovered)
		}
	}()
	task.Execute(runner.ctx)
}

// PlanLoadTask reloads this broker's schedulable plans into the trigger
// scheduler. The load window overlaps the previous one by a small epsilon
// so a plan written concurrently with a load is never missed; re-arming an
// already armed plan is harmless.
type PlanLoadTask struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
	planRepo         repository.PlanRepo
	planInstanceRepo repository.PlanInstanceRepo
	triggerScheduler *TriggerScheduler

	mtx        sync.Mutex
	lastLoadAt time.Time
}

func NewPlanLoadTask(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, planRepo repository.PlanRepo, planInstanceRepo repository.PlanInstanceRepo, triggerScheduler *TriggerScheduler) *PlanLoadTask {
	return &PlanLoadTask{
		logger:           logger.Named("plan-load-task"),
		flowbrokerConfig: flowbrokerConfig,
		planRepo:         planRepo,
		planInstanceRepo: planInstanceRepo,
		triggerScheduler: triggerScheduler,
	}
}

func (task *PlanLoadTask) Name() string { return "plan-load" }

func (task *PlanLoadTask) Interval() time.Duration {
	configs := task.flowbrokerConfig.GetConfigurations()
	return time.Duration(configs.MetaTaskIntervalSecs) * time.Second
}

func (task *PlanLoadTask) Execute(ctx context.Context) {
	configs := task.flowbrokerConfig.GetConfigurations()
	now := time.Now().UTC()

	task.mtx.Lock()
	since := task.lastLoadAt.Add(-time.Duration(configs.PlanLoadEpsilonSecs) * time.Second)
	task.lastLoadAt = now
	task.mtx.Unlock()

	plans, err := task.planRepo.GetPlansModifiedSince(configs.Address(), since)
	if err != nil {
		task.logger.Error("failed to load plans", "error", err.Message)
		return
	}

	for _, plan := range plans {
		task.loadPlan(plan, now)
	}
}

func (task *PlanLoadTask) loadPlan(plan models.Plan, now time.Time) {
	scheduleType := plan.ScheduleOption.ScheduleType
	if !plan.Enabled || plan.TriggerType != models.TriggerTypeSchedule || scheduleType == models.ScheduleTypeNone {
		task.triggerScheduler.CancelPlan(plan.ID)
		return
	}

	var lastTriggerAt, lastFeedbackAt time.Time
	latest, getErr := task.planInstanceRepo.GetLatestPlanInstance(plan.ID, plan.Version, scheduleType, models.TriggerTypeSchedule)
	if getErr != nil && getErr.Type != http.StatusNotFound {
		task.logger.Error("failed to load latest plan instance", "planId", plan.ID, "error", getErr.Message)
		return
	}
	if latest != nil {
		lastTriggerAt = latest.TriggerAt
		lastFeedbackAt = latest.FeedbackAt

		// A fixed-delay plan with an unfinished run gets its next trigger
		// armed at completion, not here.
		if scheduleType == models.ScheduleTypeFixedDelay && !latest.Status.Terminal() {
			return
		}
	}

	next, nextErr := plan.ScheduleOption.NextTriggerTime(lastTriggerAt, lastFeedbackAt, now)
	if nextErr != nil {
		task.triggerScheduler.CancelPlan(plan.ID)
		if nextErr != models.ErrScheduleExpired {
			task.logger.Warn("plan is not schedulable", "planId", plan.ID, "reason", nextErr.Error())
		}
		return
	}
	task.triggerScheduler.ArmPlanTrigger(plan, next)
}

// JobExecuteCheckTask fails over job instances whose worker stopped
// reporting: EXECUTING rows with a stale last-report timestamp get a
// synthetic failure, which re-enters the normal retry path.
type JobExecuteCheckTask struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
	jobInstanceRepo  repository.JobInstanceRepo
	processor        *SchedulerProcessor
}

func NewJobExecuteCheckTask(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, jobInstanceRepo repository.JobInstanceRepo, processor *SchedulerProcessor) *JobExecuteCheckTask {
	return &JobExecuteCheckTask{
		logger:           logger.Named("job-execute-check-task"),
		flowbrokerConfig: flowbrokerConfig,
		jobInstanceRepo:  jobInstanceRepo,
		processor:        processor,
	}
}

func (task *JobExecuteCheckTask) Name() string { return "job-execute-check" }

func (task *JobExecuteCheckTask) Interval() time.Duration {
	configs := task.flowbrokerConfig.GetConfigurations()
	return time.Duration(configs.MetaTaskIntervalSecs) * time.Second
}

func (task *JobExecuteCheckTask) Execute(ctx context.Context) {
	configs := task.flowbrokerConfig.GetConfigurations()
	reportedBefore := time.Now().UTC().Add(-time.Duration(configs.JobReportTimeoutSecs) * time.Second)

	stuck, err := task.jobInstanceRepo.GetStuckExecutingJobInstances(configs.Address(), reportedBefore, 1000)
	if err != nil {
		task.logger.Error("failed to query stuck job instances", "error", err.Message)
		return
	}

	for _, jobInstance := range stuck {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task.logger.Warn("job instance stopped reporting, presuming worker offline",
			"jobInstanceId", jobInstance.ID, "workerId", jobInstance.WorkerID, "lastReportAt", jobInstance.LastReportAt)
		if advanceErr := task.processor.Advance(jobInstance, false, "execution node presumed offline", nil); advanceErr != nil {
			task.logger.Error("failed to fail over job instance", "jobInstanceId", jobInstance.ID, "error", advanceErr.Message)
		}
	}
}

// JobScheduleCheckTask re-queues dispatches that were lost before any
// worker acked: SCHEDULING rows past their trigger time by more than the
// grace window get resubmitted to the dispatch pool.
type JobScheduleCheckTask struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
	jobInstanceRepo  repository.JobInstanceRepo
	processor        *SchedulerProcessor
}

func NewJobScheduleCheckTask(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, jobInstanceRepo repository.JobInstanceRepo, processor *SchedulerProcessor) *JobScheduleCheckTask {
	return &JobScheduleCheckTask{
		logger:           logger.Named("job-schedule-check-task"),
		flowbrokerConfig: flowbrokerConfig,
		jobInstanceRepo:  jobInstanceRepo,
		processor:        processor,
	}
}

func (task *JobScheduleCheckTask) Name() string { return "job-schedule-check" }

func (task *JobScheduleCheckTask) Interval() time.Duration {
	configs := task.flowbrokerConfig.GetConfigurations()
	return time.Duration(configs.MetaTaskIntervalSecs) * time.Second
}

func (task *JobScheduleCheckTask) Execute(ctx context.Context) {
	configs := task.flowbrokerConfig.GetConfigurations()
	triggerBefore := time.Now().UTC().Add(-time.Duration(configs.ScheduleGraceSecs) * time.Second)

	overdue, err := task.jobInstanceRepo.GetOverdueSchedulingJobInstances(configs.Address(), triggerBefore, 1000)
	if err != nil {
		task.logger.Error("failed to query overdue job instances", "error", err.Message)
		return
	}

	for _, jobInstance := range overdue {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task.logger.Info("resubmitting overdue job instance", "jobInstanceId", jobInstance.ID, "triggerAt", jobInstance.TriggerAt)
		if resubmitErr := task.processor.ResubmitDispatch(jobInstance); resubmitErr != nil {
			task.logger.Error("failed to resubmit job instance", "jobInstanceId", jobInstance.ID, "error", resubmitErr.Message)
		}
	}
}

// RebalanceTask adopts the plans and in-flight job instances owned by dead
// peer brokers. Ownership moves one row at a time with a lease re-check
// between rows so a broker that loses the lease mid-rebalance stops
// stealing work immediately.
type RebalanceTask struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
	lease            cluster.Lease
	registry         *WorkerRegistry
	planRepo         repository.PlanRepo
	jobInstanceRepo  repository.JobInstanceRepo
}

func NewRebalanceTask(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, lease cluster.Lease, registry *WorkerRegistry, planRepo repository.PlanRepo, jobInstanceRepo repository.JobInstanceRepo) *RebalanceTask {
	return &RebalanceTask{
		logger:           logger.Named("rebalance-task"),
		flowbrokerConfig: flowbrokerConfig,
		lease:            lease,
		registry:         registry,
		planRepo:         planRepo,
		jobInstanceRepo:  jobInstanceRepo,
	}
}

func (task *RebalanceTask) Name() string { return "rebalance" }

func (task *RebalanceTask) Interval() time.Duration {
	configs := task.flowbrokerConfig.GetConfigurations()
	return time.Duration(configs.MetaTaskIntervalSecs) * time.Second
}

func (task *RebalanceTask) Execute(ctx context.Context) {
	deadBrokers, err := task.registry.DeadBrokers()
	if err != nil {
		task.logger.Error("failed to list dead brokers", "error", err.Error())
		return
	}

	for _, deadBroker := range deadBrokers {
		if !task.adoptFrom(ctx, deadBroker.Address) {
			return
		}
	}
}

// adoptFrom returns false when the task should abort entirely, either
// because the lease was lost or the context ended.
func (task *RebalanceTask) adoptFrom(ctx context.Context, deadAddress string) bool {
	configs := task.flowbrokerConfig.GetConfigurations()
	selfAddress := configs.Address()
	if deadAddress == selfAddress {
		return true
	}

	plans, err := task.planRepo.GetPlansByOwner(deadAddress, 1000)
	if err != nil {
		task.logger.Error("failed to list plans of dead broker", "address", deadAddress, "error", err.Message)
		return true
	}
	for _, plan := range plans {
		if ctx.Err() != nil || !task.lease.IsActiveScheduler() {
			return false
		}
		count, reassignErr := task.planRepo.ReassignOwner(plan.ID, plan.Version, deadAddress, selfAddress)
		if reassignErr != nil {
			task.logger.Error("failed to adopt plan", "planId", plan.ID, "error", reassignErr.Message)
			continue
		}
		if count > 0 {
			task.logger.Info("adopted plan from dead broker", "planId", plan.ID, "from", deadAddress)
		}
	}

	jobInstances, err := task.jobInstanceRepo.GetJobInstancesByOwner(deadAddress, 1000)
	if err != nil {
		task.logger.Error("failed to list job instances of dead broker", "address", deadAddress, "error", err.Message)
		return true
	}
	for _, jobInstance := range jobInstances {
		if ctx.Err() != nil || !task.lease.IsActiveScheduler() {
			return false
		}
		count, reassignErr := task.jobInstanceRepo.ReassignOwner(jobInstance.ID, deadAddress, selfAddress)
		if reassignErr != nil {
			task.logger.Error("failed to adopt job instance", "jobInstanceId", jobInstance.ID, "error", reassignErr.Message)
			continue
		}
		if count > 0 {
			task.logger.Info("adopted job instance from dead broker", "jobInstanceId", jobInstance.ID, "from", deadAddress)
		}
	}

	return true
}
