package repository

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"flowbroker/models"
)

func Test_PlanRepo_CreatePlan_And_GetLatestVersion(t *testing.T) {
	store := newTestStore(t)
	planRepo := NewPlanRepo(testLogger(), store)

	planV1 := linearTestPlan(1, 1)
	createErr := planRepo.CreatePlan(&planV1)
	assert.Nil(t, createErr)

	planV2 := linearTestPlan(1, 2)
	createErr = planRepo.CreatePlan(&planV2)
	assert.Nil(t, createErr)

	latest, getErr := planRepo.GetLatestPlanVersion(1)
	assert.Nil(t, getErr)
	assert.Equal(t, uint64(2), latest.Version)
	assert.Equal(t, planV2.Name, latest.Name)
	assert.Len(t, latest.JobSpecs, 2)
	assert.Equal(t, models.ScheduleTypeFixedRate, latest.ScheduleOption.ScheduleType)

	exact, getErr := planRepo.GetPlan(1, 1)
	assert.Nil(t, getErr)
	assert.Equal(t, planV1.Name, exact.Name)
}

func Test_PlanRepo_CreatePlan_RejectsCyclicGraph(t *testing.T) {
	store := newTestStore(t)
	planRepo := NewPlanRepo(testLogger(), store)

	plan := linearTestPlan(1, 1)
	plan.JobSpecs[1].ChildIds = []string{"a"}

	createErr := planRepo.CreatePlan(&plan)
	assert.NotNil(t, createErr)
	assert.Equal(t, http.StatusBadRequest, createErr.Type)
}

func Test_PlanRepo_CreatePlan_RejectsInvalidSchedule(t *testing.T) {
	store := newTestStore(t)
	planRepo := NewPlanRepo(testLogger(), store)

	plan := linearTestPlan(1, 1)
	plan.ScheduleOption = models.ScheduleOption{
		ScheduleType: models.ScheduleTypeCron,
		CronExpr:     "not a cron expr",
	}

	createErr := planRepo.CreatePlan(&plan)
	assert.NotNil(t, createErr)
	assert.Equal(t, http.StatusBadRequest, createErr.Type)
}

func Test_PlanRepo_GetPlan_NotFound(t *testing.T) {
	store := newTestStore(t)
	planRepo := NewPlanRepo(testLogger(), store)

	_, getErr := planRepo.GetPlan(99, 1)
	assert.NotNil(t, getErr)
	assert.Equal(t, http.StatusNotFound, getErr.Type)
	assert.Contains(t, getErr.Message, "99")

	_, getErr = planRepo.GetLatestPlanVersion(99)
	assert.NotNil(t, getErr)
	assert.Equal(t, http.StatusNotFound, getErr.Type)
	assert.Contains(t, getErr.Message, "99")
}

func Test_PlanRepo_GetPlansModifiedSince(t *testing.T) {
	store := newTestStore(t)
	planRepo := NewPlanRepo(testLogger(), store)

	plan := linearTestPlan(1, 1)
	createErr := planRepo.CreatePlan(&plan)
	assert.Nil(t, createErr)

	watermark := time.Now().UTC().Add(-time.Minute)
	plans, listErr := planRepo.GetPlansModifiedSince(plan.OwnerAddress, watermark)
	assert.Nil(t, listErr)
	assert.Len(t, plans, 1)

	plans, listErr = planRepo.GetPlansModifiedSince(plan.OwnerAddress, time.Now().UTC().Add(time.Minute))
	assert.Nil(t, listErr)
	assert.Len(t, plans, 0)

	plans, listErr = planRepo.GetPlansModifiedSince("http://other-broker:9090", watermark)
	assert.Nil(t, listErr)
	assert.Len(t, plans, 0)
}

func Test_PlanRepo_SetEnabled_TouchesDateUpdated(t *testing.T) {
	store := newTestStore(t)
	planRepo := NewPlanRepo(testLogger(), store)

	plan := linearTestPlan(1, 1)
	createErr := planRepo.CreatePlan(&plan)
	assert.Nil(t, createErr)

	count, setErr := planRepo.SetEnabled(1, 1, false)
	assert.Nil(t, setErr)
	assert.Equal(t, uint64(1), count)

	// Disabling counts as a modification so the plan load task notices it.
	plans, listErr := planRepo.GetPlansModifiedSince(plan.OwnerAddress, time.Now().UTC().Add(-time.Second))
	assert.Nil(t, listErr)
	assert.Len(t, plans, 1)
	assert.False(t, plans[0].Enabled)

	count, setErr = planRepo.SetEnabled(99, 1, false)
	assert.Nil(t, setErr)
	assert.Equal(t, uint64(0), count)
}

func Test_PlanRepo_ReassignOwner_ConditionalOnCurrentOwner(t *testing.T) {
	store := newTestStore(t)
	planRepo := NewPlanRepo(testLogger(), store)

	plan := linearTestPlan(1, 1)
	createErr := planRepo.CreatePlan(&plan)
	assert.Nil(t, createErr)

	count, reassignErr := planRepo.ReassignOwner(1, 1, plan.OwnerAddress, "http://new-broker:9090")
	assert.Nil(t, reassignErr)
	assert.Equal(t, uint64(1), count)

	// The old owner is gone, so a second claim from it affects nothing.
	count, reassignErr = planRepo.ReassignOwner(1, 1, plan.OwnerAddress, "http://third-broker:9090")
	assert.Nil(t, reassignErr)
	assert.Equal(t, uint64(0), count)

	plans, listErr := planRepo.GetPlansByOwner("http://new-broker:9090", 10)
	assert.Nil(t, listErr)
	assert.Len(t, plans, 1)
}
