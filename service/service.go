package service

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowbroker/cluster"
	"flowbroker/config"
	"flowbroker/db"
	"flowbroker/models"
	"flowbroker/repository"
	"flowbroker/service/lb"
	"flowbroker/utils"
)

// Service wires the scheduling components and exposes the operations the
// HTTP layer calls. Construction wires, Start runs; nothing fires before
// Start.
type Service struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
	lease            cluster.Lease

	PlanRepo         repository.PlanRepo
	PlanInstanceRepo repository.PlanInstanceRepo
	JobInstanceRepo  repository.JobInstanceRepo
	WorkerNodeRepo   repository.WorkerNodeRepo
	BrokerNodeRepo   repository.BrokerNodeRepo

	Registry         *WorkerRegistry
	Processor        *SchedulerProcessor
	TriggerScheduler *TriggerScheduler
	MetaTaskRunner   *MetaTaskRunner

	pool         *utils.Dispatcher
	planLoadTask *PlanLoadTask
}

func NewService(ctx context.Context, logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, store *db.DataStore, lease cluster.Lease) *Service {
	configs := flowbrokerConfig.GetConfigurations()

	planRepo := repository.NewPlanRepo(logger, store)
	planInstanceRepo := repository.NewPlanInstanceRepo(logger, store)
	jobInstanceRepo := repository.NewJobInstanceRepo(logger, store)
	workerNodeRepo := repository.NewWorkerNodeRepo(logger, store)
	brokerNodeRepo := repository.NewBrokerNodeRepo(logger, store)

	statistics := lb.NewMemoryStatisticsRepo()
	selector := NewWorkerSelector(logger, statistics)
	registry := NewWorkerRegistry(ctx, logger, flowbrokerConfig, workerNodeRepo, brokerNodeRepo)
	workerClient := NewHTTPWorkerClient(logger, flowbrokerConfig)
	taskDispatcher := NewTaskDispatcher(ctx, logger, registry, selector, statistics, workerClient, jobInstanceRepo)

	pool := utils.NewDispatcher(
		ctx,
		configs.DispatchWorkers,
		configs.DispatchQueueSize,
		func(effector func(successChannel chan any, errorChannel chan any), successChannel chan any, errorChannel chan any) {
			effector(successChannel, errorChannel)
		},
	)

	processor := NewSchedulerProcessor(logger, flowbrokerConfig, planRepo, planInstanceRepo, jobInstanceRepo, taskDispatcher, pool)
	triggerScheduler := NewTriggerScheduler(ctx, logger)
	triggerScheduler.SetTriggerHandler(processor.Trigger)
	processor.SetTriggerArmer(triggerScheduler)

	planLoadTask := NewPlanLoadTask(logger, flowbrokerConfig, planRepo, planInstanceRepo, triggerScheduler)
	metaTaskRunner := NewMetaTaskRunner(ctx, logger, lease,
		planLoadTask,
		NewJobExecuteCheckTask(logger, flowbrokerConfig, jobInstanceRepo, processor),
		NewJobScheduleCheckTask(logger, flowbrokerConfig, jobInstanceRepo, processor),
		NewRebalanceTask(logger, flowbrokerConfig, lease, registry, planRepo, jobInstanceRepo),
	)

	service := &Service{
		logger:           logger.Named("service"),
		flowbrokerConfig: flowbrokerConfig,
		lease:            lease,
		PlanRepo:         planRepo,
		PlanInstanceRepo: planInstanceRepo,
		JobInstanceRepo:  jobInstanceRepo,
		WorkerNodeRepo:   workerNodeRepo,
		BrokerNodeRepo:   brokerNodeRepo,
		Registry:         registry,
		Processor:        processor,
		TriggerScheduler: triggerScheduler,
		MetaTaskRunner:   metaTaskRunner,
		pool:             pool,
		planLoadTask:     planLoadTask,
	}

	lease.OnGainOwnership(func() {
		service.logger.Info("active scheduler, loading plans")
		planLoadTask.Execute(ctx)
	})
	lease.OnLoseOwnership(func() {
		service.logger.Info("standby scheduler, disarming triggers")
		triggerScheduler.CancelAll()
	})

	return service
}

func (service *Service) Start() {
	service.pool.Run()
	service.Registry.Start()
	service.TriggerScheduler.Start()
	service.MetaTaskRunner.Start()
}

func (service *Service) Stop() {
	service.MetaTaskRunner.Stop()
	service.TriggerScheduler.Stop()
	service.Registry.Stop()
}

// CreatePlan publishes a new plan version owned by this broker. The caller
// names the plan id; the version is assigned here as latest+1.
func (service *Service) CreatePlan(plan *models.Plan) (*models.Plan, *utils.GenericError) {
	if plan.ID == 0 {
		return nil, utils.HTTPGenericError(http.StatusBadRequest, "plan id is required")
	}

	version := uint64(1)
	latest, getErr := service.PlanRepo.GetLatestPlanVersion(plan.ID)
	if getErr != nil && getErr.Type != http.StatusNotFound {
		return nil, getErr
	}
	if latest != nil {
		version = latest.Version + 1
	}

	configs := service.flowbrokerConfig.GetConfigurations()
	plan.Version = version
	plan.OwnerAddress = configs.Address()

	if createErr := service.PlanRepo.CreatePlan(plan); createErr != nil {
		return nil, createErr
	}

	service.armIfSchedulable(*plan)
	return plan, nil
}

// SetPlanEnabled flips a version's enabled flag and keeps the local timer in
// step with it.
func (service *Service) SetPlanEnabled(planId uint64, version uint64, enabled bool) *utils.GenericError {
	count, err := service.PlanRepo.SetEnabled(planId, version, enabled)
	if err != nil {
		return err
	}
	if count == 0 {
		return utils.HTTPGenericError(http.StatusNotFound, "plan version not found")
	}

	if !enabled {
		service.TriggerScheduler.CancelPlan(planId)
		return nil
	}
	plan, getErr := service.PlanRepo.GetPlan(planId, version)
	if getErr != nil {
		return getErr
	}
	plan.Enabled = true
	service.armIfSchedulable(*plan)
	return nil
}

func (service *Service) armIfSchedulable(plan models.Plan) {
	if !service.lease.IsActiveScheduler() {
		return
	}
	if !plan.Enabled || plan.TriggerType != models.TriggerTypeSchedule || plan.ScheduleOption.ScheduleType == models.ScheduleTypeNone {
		return
	}
	next, err := plan.ScheduleOption.NextTriggerTime(time.Time{}, time.Time{}, time.Now().UTC())
	if err != nil {
		service.logger.Warn("plan is not schedulable", "planId", plan.ID, "reason", err.Error())
		return
	}
	service.TriggerScheduler.ArmPlanTrigger(plan, next)
}

// TriggerPlan fires the latest version of a plan on demand.
func (service *Service) TriggerPlan(planId uint64, attributes map[string]string) (*models.PlanInstance, *utils.GenericError) {
	plan, getErr := service.PlanRepo.GetLatestPlanVersion(planId)
	if getErr != nil {
		return nil, getErr
	}
	return service.Processor.Trigger(*plan, models.TriggerTypeAPI, attributes, time.Now().UTC())
}

// Feedback consumes a worker's completion report for a job instance.
func (service *Service) Feedback(payload models.FeedbackPayload) *utils.GenericError {
	jobInstance, getErr := service.JobInstanceRepo.GetJobInstance(payload.JobInstanceID)
	if getErr != nil {
		return getErr
	}
	return service.Processor.Advance(*jobInstance, payload.Succeeded, payload.Message, payload.Context)
}

// ReportProgress keeps an executing job instance off the stuck-job sweep.
func (service *Service) ReportProgress(jobInstanceId string) *utils.GenericError {
	count, err := service.JobInstanceRepo.UpdateLastReport(jobInstanceId, time.Now().UTC())
	if err != nil {
		return err
	}
	if count == 0 {
		return utils.HTTPGenericError(http.StatusNotFound, "no executing job instance with that id")
	}
	return nil
}
