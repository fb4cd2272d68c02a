package repository

import (
	"os"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/hashicorp/go-hclog"

	"flowbroker/db"
	"flowbroker/models"
)

func newTestStore(t *testing.T) *db.DataStore {
	t.Helper()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "repository-test",
		Level: hclog.LevelFromString("DEBUG"),
	})

	tempFile, err := os.CreateTemp("", "flowbroker-test-db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tempFile.Close()
	t.Cleanup(func() {
		os.Remove(tempFile.Name())
	})

	store := db.NewSqliteDbConnection(logger, tempFile.Name())
	if err := store.RunMigration(); err != nil {
		t.Fatalf("Failed to run migration: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func testLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "repository-test",
		Level: hclog.LevelFromString("DEBUG"),
	})
}

// linearTestPlan a -> b, both scheduler-triggered.
func linearTestPlan(planId uint64, version uint64) models.Plan {
	return models.Plan{
		ID:          planId,
		Version:     version,
		Name:        gofakeit.Name(),
		TriggerType: models.TriggerTypeSchedule,
		ScheduleOption: models.ScheduleOption{
			ScheduleType: models.ScheduleTypeFixedRate,
			Interval:     60,
		},
		JobSpecs: []models.JobSpec{
			{
				ID:           "a",
				Name:         gofakeit.Name(),
				ChildIds:     []string{"b"},
				TriggerType:  models.TriggerTypeSchedule,
				ExecutorName: "shell",
			},
			{
				ID:           "b",
				Name:         gofakeit.Name(),
				TriggerType:  models.TriggerTypeSchedule,
				ExecutorName: "shell",
			},
		},
		Enabled:      true,
		OwnerAddress: "http://127.0.0.1:9090",
	}
}
