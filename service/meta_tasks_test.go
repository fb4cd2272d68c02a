package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"

	"flowbroker/models"
	"flowbroker/repository"
)

// toggleLease a lease fake whose holder status the test flips.
type toggleLease struct {
	mtx    sync.Mutex
	active bool
}

func (lease *toggleLease) IsActiveScheduler() bool {
	lease.mtx.Lock()
	defer lease.mtx.Unlock()
	return lease.active
}

func (lease *toggleLease) setActive(active bool) {
	lease.mtx.Lock()
	defer lease.mtx.Unlock()
	lease.active = active
}

func (lease *toggleLease) OnGainOwnership(callback func()) {}

func (lease *toggleLease) OnLoseOwnership(callback func()) {}

func (lease *toggleLease) Stop() error { return nil }

type countingTask struct {
	mtx   sync.Mutex
	count int
}

func (task *countingTask) Name() string { return "counting" }

func (task *countingTask) Interval() time.Duration { return 10 * time.Millisecond }

func (task *countingTask) Execute(ctx context.Context) {
	task.mtx.Lock()
	defer task.mtx.Unlock()
	task.count++
}

func (task *countingTask) executions() int {
	task.mtx.Lock()
	defer task.mtx.Unlock()
	return task.count
}

func Test_MetaTaskRunner_GatesOnLease(t *testing.T) {
	lease := &toggleLease{}
	task := &countingTask{}
	runner := NewMetaTaskRunner(context.Background(), serviceTestLogger(), lease, task)
	runner.Start()
	t.Cleanup(runner.Stop)

	// A standby broker never runs its control loops.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, task.executions())

	lease.setActive(true)
	assert.Eventually(t, func() bool {
		return task.executions() > 0
	}, time.Second, 10*time.Millisecond)
}

func Test_JobExecuteCheckTask_FailsOverStuckInstance(t *testing.T) {
	harness := newProcessorHarness(t)

	jobSpec := shellJob("a")
	jobSpec.RetryOption = models.RetryOption{MaxRetries: 1, RetryInterval: 0}
	plan := harness.createPlan(t, schedulableTestPlan(1, jobSpec))

	planInstance, triggerErr := harness.processor.Trigger(plan, models.TriggerTypeSchedule, nil, time.Now().UTC())
	assert.Nil(t, triggerErr)
	stuck := harness.waitForJobInstance(t, planInstance.ID, "a", models.JobInstanceStatusExecuting)

	// The worker goes silent long past the report window.
	_, reportErr := harness.jobInstanceRepo.UpdateLastReport(stuck.ID, time.Now().UTC().Add(-time.Hour))
	assert.Nil(t, reportErr)

	task := NewJobExecuteCheckTask(serviceTestLogger(), newTestConfig(), harness.jobInstanceRepo, harness.processor)
	task.Execute(context.Background())

	settled, getErr := harness.jobInstanceRepo.GetJobInstance(stuck.ID)
	assert.Nil(t, getErr)
	assert.Equal(t, models.JobInstanceStatusFailed, settled.Status)
	assert.Equal(t, "execution node presumed offline", settled.Message)

	// The failover re-enters the retry path and redispatches a new attempt.
	assert.Eventually(t, func() bool {
		latest, latestErr := harness.jobInstanceRepo.GetLatestJobInstance(planInstance.ID, "a")
		if latestErr != nil {
			return false
		}
		return latest.RetryTimes == 1 && latest.Status == models.JobInstanceStatusExecuting
	}, 3*time.Second, 10*time.Millisecond)
}

func Test_JobExecuteCheckTask_LeavesReportingInstanceAlone(t *testing.T) {
	harness := newProcessorHarness(t)
	plan := harness.createPlan(t, schedulableTestPlan(1, shellJob("a")))

	planInstance, triggerErr := harness.processor.Trigger(plan, models.TriggerTypeSchedule, nil, time.Now().UTC())
	assert.Nil(t, triggerErr)
	executing := harness.waitForJobInstance(t, planInstance.ID, "a", models.JobInstanceStatusExecuting)

	task := NewJobExecuteCheckTask(serviceTestLogger(), newTestConfig(), harness.jobInstanceRepo, harness.processor)
	task.Execute(context.Background())

	fetched, getErr := harness.jobInstanceRepo.GetJobInstance(executing.ID)
	assert.Nil(t, getErr)
	assert.Equal(t, models.JobInstanceStatusExecuting, fetched.Status)
}

func Test_JobScheduleCheckTask_ResubmitsOverdueDispatch(t *testing.T) {
	harness := newProcessorHarness(t)
	flowbrokerConfig := newTestConfig()
	harness.createPlan(t, schedulableTestPlan(1, shellJob("a")))

	planInstance := models.PlanInstance{
		ID:           ksuid.New().String(),
		PlanID:       1,
		PlanVersion:  1,
		Status:       models.PlanInstanceStatusExecuting,
		ScheduleType: models.ScheduleTypeFixedRate,
		TriggerType:  models.TriggerTypeSchedule,
		TriggerAt:    time.Now().UTC().Add(-time.Hour),
		StartAt:      time.Now().UTC().Add(-time.Hour),
	}
	assert.Nil(t, harness.planInstanceRepo.CreatePlanInstance(&planInstance))

	// A dispatch that was lost before any worker acked: still SCHEDULING
	// long past its trigger time.
	lost := models.JobInstance{
		ID:             ksuid.New().String(),
		PlanInstanceID: planInstance.ID,
		PlanID:         1,
		PlanVersion:    1,
		JobID:          "a",
		Status:         models.JobInstanceStatusScheduling,
		OwnerAddress:   flowbrokerConfig.GetConfigurations().Address(),
		TriggerAt:      time.Now().UTC().Add(-time.Hour),
	}
	assert.Nil(t, harness.jobInstanceRepo.CreateJobInstance(&lost))

	task := NewJobScheduleCheckTask(serviceTestLogger(), flowbrokerConfig, harness.jobInstanceRepo, harness.processor)
	task.Execute(context.Background())

	harness.waitForJobInstance(t, planInstance.ID, "a", models.JobInstanceStatusExecuting)
	assert.Equal(t, 1, harness.client.dispatchCount("a"))
}

func newRebalanceFixture(t *testing.T) (*RebalanceTask, *toggleLease, repository.PlanRepo, repository.JobInstanceRepo, string, string) {
	t.Helper()

	store := newServiceTestStore(t)
	logger := serviceTestLogger()
	flowbrokerConfig := newTestConfig()

	planRepo := repository.NewPlanRepo(logger, store)
	planInstanceRepo := repository.NewPlanInstanceRepo(logger, store)
	jobInstanceRepo := repository.NewJobInstanceRepo(logger, store)
	workerNodeRepo := repository.NewWorkerNodeRepo(logger, store)
	brokerNodeRepo := repository.NewBrokerNodeRepo(logger, store)
	registry := NewWorkerRegistry(context.Background(), logger, flowbrokerConfig, workerNodeRepo, brokerNodeRepo)

	now := time.Now().UTC()
	deadAddress := "http://10.0.0.9:9090"
	assert.Nil(t, brokerNodeRepo.UpsertHeartbeat(deadAddress, now.Add(-30*time.Second)))
	registry.SweepFusing(now)
	registry.SweepTerminated(now)

	plan := schedulableTestPlan(1, shellJob("a"))
	plan.OwnerAddress = deadAddress
	assert.Nil(t, planRepo.CreatePlan(&plan))

	planInstance := models.PlanInstance{
		ID:           ksuid.New().String(),
		PlanID:       1,
		PlanVersion:  1,
		Status:       models.PlanInstanceStatusExecuting,
		ScheduleType: models.ScheduleTypeFixedRate,
		TriggerType:  models.TriggerTypeSchedule,
		TriggerAt:    now,
		StartAt:      now,
	}
	assert.Nil(t, planInstanceRepo.CreatePlanInstance(&planInstance))

	jobInstance := models.JobInstance{
		ID:             ksuid.New().String(),
		PlanInstanceID: planInstance.ID,
		PlanID:         1,
		PlanVersion:    1,
		JobID:          "a",
		Status:         models.JobInstanceStatusScheduling,
		OwnerAddress:   deadAddress,
		TriggerAt:      now,
	}
	assert.Nil(t, jobInstanceRepo.CreateJobInstance(&jobInstance))

	lease := &toggleLease{}
	task := NewRebalanceTask(serviceTestLogger(), flowbrokerConfig, lease, registry, planRepo, jobInstanceRepo)
	selfAddress := flowbrokerConfig.GetConfigurations().Address()
	return task, lease, planRepo, jobInstanceRepo, deadAddress, selfAddress
}

func Test_RebalanceTask_AdoptsWorkOfDeadBroker(t *testing.T) {
	task, lease, planRepo, jobInstanceRepo, deadAddress, selfAddress := newRebalanceFixture(t)
	lease.setActive(true)

	task.Execute(context.Background())

	orphaned, listErr := planRepo.GetPlansByOwner(deadAddress, 10)
	assert.Nil(t, listErr)
	assert.Len(t, orphaned, 0)

	adopted, listErr := planRepo.GetPlansByOwner(selfAddress, 10)
	assert.Nil(t, listErr)
	assert.Len(t, adopted, 1)

	inFlight, listErr := jobInstanceRepo.GetJobInstancesByOwner(selfAddress, 10)
	assert.Nil(t, listErr)
	assert.Len(t, inFlight, 1)
}

func Test_RebalanceTask_StopsWhenLeaseLost(t *testing.T) {
	task, lease, planRepo, jobInstanceRepo, deadAddress, selfAddress := newRebalanceFixture(t)
	lease.setActive(false)

	// A broker that is not the active scheduler must not steal work even
	// when it can see dead peers.
	task.Execute(context.Background())

	orphaned, listErr := planRepo.GetPlansByOwner(deadAddress, 10)
	assert.Nil(t, listErr)
	assert.Len(t, orphaned, 1)

	adopted, listErr := jobInstanceRepo.GetJobInstancesByOwner(selfAddress, 10)
	assert.Nil(t, listErr)
	assert.Len(t, adopted, 0)
}
