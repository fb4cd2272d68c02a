package repository

import (
	"net/http"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"

	"flowbroker/db"
	"flowbroker/models"
)

// createParentPlanInstance job_instances carries a foreign key to
// plan_instances, so every fixture needs its parent row first.
func createParentPlanInstance(t *testing.T, store *db.DataStore, planInstanceId string) {
	t.Helper()

	planInstanceRepo := NewPlanInstanceRepo(testLogger(), store)
	planInstance := models.PlanInstance{
		ID:           planInstanceId,
		PlanID:       1,
		PlanVersion:  1,
		Status:       models.PlanInstanceStatusExecuting,
		ScheduleType: models.ScheduleTypeFixedRate,
		TriggerType:  models.TriggerTypeSchedule,
		TriggerAt:    time.Now().UTC(),
		StartAt:      time.Now().UTC(),
	}
	if createErr := planInstanceRepo.CreatePlanInstance(&planInstance); createErr != nil {
		t.Fatalf("Failed to create parent plan instance: %v", createErr.Message)
	}
}

func newTestJobInstance(planInstanceId string, jobId string, retryTimes int64) models.JobInstance {
	return models.JobInstance{
		ID:             ksuid.New().String(),
		PlanInstanceID: planInstanceId,
		PlanID:         1,
		PlanVersion:    1,
		JobID:          jobId,
		Status:         models.JobInstanceStatusScheduling,
		RetryTimes:     retryTimes,
		Context:        map[string]string{"env": "test"},
		OwnerAddress:   "http://127.0.0.1:9090",
		TriggerAt:      time.Now().UTC(),
	}
}

func mustGetJobInstance(t *testing.T, jobInstanceRepo JobInstanceRepo, id string) models.JobInstance {
	t.Helper()

	fetched, getErr := jobInstanceRepo.GetJobInstance(id)
	if getErr != nil {
		t.Fatalf("Failed to get job instance %s: %v", id, getErr.Message)
	}
	return *fetched
}

func Test_JobInstanceRepo_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	createParentPlanInstance(t, store, "pi-1")
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)

	jobInstance := newTestJobInstance("pi-1", "a", 0)
	createErr := jobInstanceRepo.CreateJobInstance(&jobInstance)
	assert.Nil(t, createErr)

	fetched := mustGetJobInstance(t, jobInstanceRepo, jobInstance.ID)
	assert.Equal(t, jobInstance.JobID, fetched.JobID)
	assert.Equal(t, models.JobInstanceStatusScheduling, fetched.Status)
	assert.Equal(t, "test", fetched.Context["env"])
}

func Test_JobInstanceRepo_CreateRejectsUnknownPlanInstance(t *testing.T) {
	store := newTestStore(t)
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)

	orphan := newTestJobInstance("pi-missing", "a", 0)
	createErr := jobInstanceRepo.CreateJobInstance(&orphan)
	assert.NotNil(t, createErr)
}

func Test_JobInstanceRepo_GetLatestJobInstance_PicksNewestRow(t *testing.T) {
	store := newTestStore(t)
	createParentPlanInstance(t, store, "pi-1")
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)

	first := newTestJobInstance("pi-1", "a", 0)
	first.DateCreated = time.Now().UTC().Add(-time.Minute)
	createErr := jobInstanceRepo.CreateJobInstance(&first)
	assert.Nil(t, createErr)

	retry := newTestJobInstance("pi-1", "a", 1)
	createErr = jobInstanceRepo.CreateJobInstance(&retry)
	assert.Nil(t, createErr)

	latest, getErr := jobInstanceRepo.GetLatestJobInstance("pi-1", "a")
	assert.Nil(t, getErr)
	assert.Equal(t, retry.ID, latest.ID)
	assert.Equal(t, int64(1), latest.RetryTimes)

	_, getErr = jobInstanceRepo.GetLatestJobInstance("pi-1", "missing")
	assert.NotNil(t, getErr)
	assert.Equal(t, http.StatusNotFound, getErr.Type)
}

func Test_JobInstanceRepo_UpdateStatusConditional_OneWinner(t *testing.T) {
	store := newTestStore(t)
	createParentPlanInstance(t, store, "pi-1")
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)

	jobInstance := newTestJobInstance("pi-1", "a", 0)
	createErr := jobInstanceRepo.CreateJobInstance(&jobInstance)
	assert.Nil(t, createErr)

	count, updateErr := jobInstanceRepo.MarkExecuting(jobInstance.ID, "worker-1")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(1), count)

	count, updateErr = jobInstanceRepo.UpdateStatusConditional(jobInstance.ID, models.JobInstanceStatusExecuting, models.JobInstanceStatusSucceeded, "done")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(1), count)

	// A second settle of the same row is a lost race and affects nothing.
	count, updateErr = jobInstanceRepo.UpdateStatusConditional(jobInstance.ID, models.JobInstanceStatusExecuting, models.JobInstanceStatusFailed, "late failure")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(0), count)

	fetched := mustGetJobInstance(t, jobInstanceRepo, jobInstance.ID)
	assert.Equal(t, models.JobInstanceStatusSucceeded, fetched.Status)
	assert.Equal(t, "worker-1", fetched.WorkerID)
	assert.Equal(t, "done", fetched.Message)
	assert.False(t, fetched.EndAt.IsZero())
}

func Test_JobInstanceRepo_MarkExecuting_RequiresScheduling(t *testing.T) {
	store := newTestStore(t)
	createParentPlanInstance(t, store, "pi-1")
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)

	jobInstance := newTestJobInstance("pi-1", "a", 0)
	createErr := jobInstanceRepo.CreateJobInstance(&jobInstance)
	assert.Nil(t, createErr)

	count, updateErr := jobInstanceRepo.MarkExecuting(jobInstance.ID, "worker-1")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(1), count)

	// Feedback already settled rows cannot re-enter EXECUTING.
	count, updateErr = jobInstanceRepo.MarkExecuting(jobInstance.ID, "worker-2")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(0), count)
}

func Test_JobInstanceRepo_StuckAndOverdueQueries(t *testing.T) {
	store := newTestStore(t)
	createParentPlanInstance(t, store, "pi-1")
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)
	owner := "http://127.0.0.1:9090"

	stuck := newTestJobInstance("pi-1", "a", 0)
	createErr := jobInstanceRepo.CreateJobInstance(&stuck)
	assert.Nil(t, createErr)
	_, markErr := jobInstanceRepo.MarkExecuting(stuck.ID, "worker-1")
	assert.Nil(t, markErr)
	_, reportErr := jobInstanceRepo.UpdateLastReport(stuck.ID, time.Now().UTC().Add(-time.Hour))
	assert.Nil(t, reportErr)

	overdue := newTestJobInstance("pi-1", "b", 0)
	overdue.TriggerAt = time.Now().UTC().Add(-time.Hour)
	createErr = jobInstanceRepo.CreateJobInstance(&overdue)
	assert.Nil(t, createErr)

	healthy := newTestJobInstance("pi-1", "c", 0)
	createErr = jobInstanceRepo.CreateJobInstance(&healthy)
	assert.Nil(t, createErr)
	_, markErr = jobInstanceRepo.MarkExecuting(healthy.ID, "worker-2")
	assert.Nil(t, markErr)

	stuckRows, listErr := jobInstanceRepo.GetStuckExecutingJobInstances(owner, time.Now().UTC().Add(-30*time.Second), 10)
	assert.Nil(t, listErr)
	assert.Len(t, stuckRows, 1)
	assert.Equal(t, stuck.ID, stuckRows[0].ID)

	overdueRows, listErr := jobInstanceRepo.GetOverdueSchedulingJobInstances(owner, time.Now().UTC().Add(-30*time.Second), 10)
	assert.Nil(t, listErr)
	assert.Len(t, overdueRows, 1)
	assert.Equal(t, overdue.ID, overdueRows[0].ID)
}

func Test_JobInstanceRepo_ReassignOwner(t *testing.T) {
	store := newTestStore(t)
	createParentPlanInstance(t, store, "pi-1")
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)

	jobInstance := newTestJobInstance("pi-1", "a", 0)
	createErr := jobInstanceRepo.CreateJobInstance(&jobInstance)
	assert.Nil(t, createErr)

	count, reassignErr := jobInstanceRepo.ReassignOwner(jobInstance.ID, jobInstance.OwnerAddress, "http://new-broker:9090")
	assert.Nil(t, reassignErr)
	assert.Equal(t, uint64(1), count)

	count, reassignErr = jobInstanceRepo.ReassignOwner(jobInstance.ID, jobInstance.OwnerAddress, "http://third-broker:9090")
	assert.Nil(t, reassignErr)
	assert.Equal(t, uint64(0), count)

	inFlight, listErr := jobInstanceRepo.GetJobInstancesByOwner("http://new-broker:9090", 10)
	assert.Nil(t, listErr)
	assert.Len(t, inFlight, 1)
}

func Test_JobInstanceRepo_BatchCreate(t *testing.T) {
	store := newTestStore(t)
	createParentPlanInstance(t, store, "pi-1")
	jobInstanceRepo := NewJobInstanceRepo(testLogger(), store)

	jobInstances := []models.JobInstance{
		newTestJobInstance("pi-1", "a", 0),
		newTestJobInstance("pi-1", "b", 0),
		newTestJobInstance("pi-1", "c", 0),
	}
	createErr := jobInstanceRepo.BatchCreateJobInstances(jobInstances)
	assert.Nil(t, createErr)

	for _, jobInstance := range jobInstances {
		fetched := mustGetJobInstance(t, jobInstanceRepo, jobInstance.ID)
		assert.Equal(t, jobInstance.JobID, fetched.JobID)
	}
}
