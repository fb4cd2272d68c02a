package repository

import (
	"net/http"
	"testing"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"

	"flowbroker/models"
)

func newTestPlanInstance(planId uint64, scheduleType models.ScheduleType, triggerType models.TriggerType, triggerAt time.Time) models.PlanInstance {
	return models.PlanInstance{
		ID:           ksuid.New().String(),
		PlanID:       planId,
		PlanVersion:  1,
		Status:       models.PlanInstanceStatusScheduling,
		ScheduleType: scheduleType,
		TriggerType:  triggerType,
		TriggerAt:    triggerAt,
		Attributes:   map[string]string{"region": "eu"},
	}
}

func Test_PlanInstanceRepo_CreateAndGet(t *testing.T) {
	store := newTestStore(t)
	planInstanceRepo := NewPlanInstanceRepo(testLogger(), store)

	planInstance := newTestPlanInstance(1, models.ScheduleTypeFixedRate, models.TriggerTypeSchedule, time.Now().UTC())
	createErr := planInstanceRepo.CreatePlanInstance(&planInstance)
	assert.Nil(t, createErr)

	fetched, getErr := planInstanceRepo.GetPlanInstance(planInstance.ID)
	assert.Nil(t, getErr)
	assert.Equal(t, planInstance.PlanID, fetched.PlanID)
	assert.Equal(t, models.PlanInstanceStatusScheduling, fetched.Status)
	assert.Equal(t, "eu", fetched.Attributes["region"])

	_, getErr = planInstanceRepo.GetPlanInstance("missing")
	assert.NotNil(t, getErr)
	assert.Equal(t, http.StatusNotFound, getErr.Type)
}

func Test_PlanInstanceRepo_GetLatestPlanInstance(t *testing.T) {
	store := newTestStore(t)
	planInstanceRepo := NewPlanInstanceRepo(testLogger(), store)

	older := newTestPlanInstance(1, models.ScheduleTypeFixedRate, models.TriggerTypeSchedule, time.Now().UTC().Add(-time.Minute))
	older.DateCreated = time.Now().UTC().Add(-time.Minute)
	createErr := planInstanceRepo.CreatePlanInstance(&older)
	assert.Nil(t, createErr)

	newer := newTestPlanInstance(1, models.ScheduleTypeFixedRate, models.TriggerTypeSchedule, time.Now().UTC())
	createErr = planInstanceRepo.CreatePlanInstance(&newer)
	assert.Nil(t, createErr)

	// API-triggered runs live in a separate lineage and must not shadow the
	// scheduled one.
	manual := newTestPlanInstance(1, models.ScheduleTypeNone, models.TriggerTypeAPI, time.Now().UTC())
	createErr = planInstanceRepo.CreatePlanInstance(&manual)
	assert.Nil(t, createErr)

	latest, getErr := planInstanceRepo.GetLatestPlanInstance(1, 1, models.ScheduleTypeFixedRate, models.TriggerTypeSchedule)
	assert.Nil(t, getErr)
	assert.Equal(t, newer.ID, latest.ID)

	_, getErr = planInstanceRepo.GetLatestPlanInstance(1, 1, models.ScheduleTypeCron, models.TriggerTypeSchedule)
	assert.NotNil(t, getErr)
	assert.Equal(t, http.StatusNotFound, getErr.Type)
}

func Test_PlanInstanceRepo_UpdateStatusConditional_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	planInstanceRepo := NewPlanInstanceRepo(testLogger(), store)

	planInstance := newTestPlanInstance(1, models.ScheduleTypeFixedDelay, models.TriggerTypeSchedule, time.Now().UTC())
	createErr := planInstanceRepo.CreatePlanInstance(&planInstance)
	assert.Nil(t, createErr)

	count, updateErr := planInstanceRepo.UpdateStatusConditional(planInstance.ID, models.PlanInstanceStatusScheduling, models.PlanInstanceStatusExecuting, "")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(1), count)

	count, updateErr = planInstanceRepo.UpdateStatusConditional(planInstance.ID, models.PlanInstanceStatusExecuting, models.PlanInstanceStatusSucceeded, "")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(1), count)

	// Terminal is final; a late failure report loses the race.
	count, updateErr = planInstanceRepo.UpdateStatusConditional(planInstance.ID, models.PlanInstanceStatusExecuting, models.PlanInstanceStatusFailed, "late")
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(0), count)

	fetched, getErr := planInstanceRepo.GetPlanInstance(planInstance.ID)
	assert.Nil(t, getErr)
	assert.Equal(t, models.PlanInstanceStatusSucceeded, fetched.Status)
	assert.True(t, fetched.Status.Terminal())
	assert.False(t, fetched.FeedbackAt.IsZero())
}
