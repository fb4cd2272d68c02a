package service

import (
	"os"
	"testing"

	"github.com/hashicorp/go-hclog"

	"flowbroker/config"
	"flowbroker/db"
)

// testConfig fixed configuration for tests, bypassing the file-backed
// loader.
type testConfig struct {
	configs config.Configurations
}

func newTestConfig() *testConfig {
	return &testConfig{
		configs: config.Configurations{
			Protocol:             "http",
			Host:                 "127.0.0.1",
			Port:                 "9090",
			NodeId:               1,
			SingleNodeMode:       true,
			HeartbeatTimeoutSecs: 5,
			JobReportTimeoutSecs: 30,
			ScheduleGraceSecs:    30,
			MetaTaskIntervalSecs: 10,
			PlanLoadEpsilonSecs:  2,
			DispatchWorkers:      5,
			DispatchQueueSize:    100,
			DispatchTimeoutSecs:  5,
		},
	}
}

func (c *testConfig) GetConfigurations() *config.Configurations {
	return &c.configs
}

func newServiceTestStore(t *testing.T) *db.DataStore {
	t.Helper()

	logger := serviceTestLogger()
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

func serviceTestLogger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  "service-test",
		Level: hclog.LevelFromString("DEBUG"),
	})
}
