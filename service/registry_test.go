package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"flowbroker/models"
	"flowbroker/repository"
)

func newTestRegistry(t *testing.T) (*WorkerRegistry, repository.WorkerNodeRepo, repository.BrokerNodeRepo) {
	t.Helper()

	store := newServiceTestStore(t)
	logger := serviceTestLogger()
	workerNodeRepo := repository.NewWorkerNodeRepo(logger, store)
	brokerNodeRepo := repository.NewBrokerNodeRepo(logger, store)
	registry := NewWorkerRegistry(context.Background(), logger, newTestConfig(), workerNodeRepo, brokerNodeRepo)
	return registry, workerNodeRepo, brokerNodeRepo
}

func registryTestWorker(id string, lastHeartbeatAt time.Time) models.WorkerNode {
	return models.WorkerNode{
		ID:        id,
		Address:   "http://10.0.0.1:8080",
		Executors: []string{"shell"},
		AvailableResource: models.AvailableResource{
			AvailableQueueLimit: 10,
			AvailableCPU:        4,
			AvailableRAM:        2048,
		},
		LastHeartbeatAt: lastHeartbeatAt,
	}
}

func Test_WorkerRegistry_SweepFusing_DegradesSilentWorker(t *testing.T) {
	registry, workerNodeRepo, _ := newTestRegistry(t)
	now := time.Now().UTC()

	// Heartbeat timeout is 5s; a worker silent for 10s has missed a window.
	silent := registryTestWorker("w-silent", now.Add(-10*time.Second))
	assert.Nil(t, workerNodeRepo.RegisterWorkerNode(&silent))

	fresh := registryTestWorker("w-fresh", now.Add(-time.Second))
	assert.Nil(t, workerNodeRepo.RegisterWorkerNode(&fresh))

	registry.SweepFusing(now)

	fetched, getErr := workerNodeRepo.GetWorkerNode("w-silent")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusFusing, fetched.Status)

	fetched, getErr = workerNodeRepo.GetWorkerNode("w-fresh")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusRunning, fetched.Status)
}

func Test_WorkerRegistry_SweepTerminated_AfterSecondMissedWindow(t *testing.T) {
	registry, workerNodeRepo, _ := newTestRegistry(t)
	now := time.Now().UTC()

	silent := registryTestWorker("w-silent", now.Add(-30*time.Second))
	assert.Nil(t, workerNodeRepo.RegisterWorkerNode(&silent))

	registry.SweepFusing(now)
	fetched, getErr := workerNodeRepo.GetWorkerNode("w-silent")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusFusing, fetched.Status)

	registry.SweepTerminated(now)
	fetched, getErr = workerNodeRepo.GetWorkerNode("w-silent")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusTerminated, fetched.Status)
}

func Test_WorkerRegistry_SweepOnline_RevivesRecoveredWorker(t *testing.T) {
	registry, workerNodeRepo, _ := newTestRegistry(t)
	now := time.Now().UTC()

	recovered := registryTestWorker("w-recovered", now.Add(-time.Second))
	assert.Nil(t, workerNodeRepo.RegisterWorkerNode(&recovered))
	_, updateErr := workerNodeRepo.UpdateStatusConditional("w-recovered", models.WorkerStatusRunning, models.WorkerStatusFusing)
	assert.Nil(t, updateErr)

	registry.SweepOnline(now)

	fetched, getErr := workerNodeRepo.GetWorkerNode("w-recovered")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusRunning, fetched.Status)
}

func Test_WorkerRegistry_Heartbeat_ResetsImmediately(t *testing.T) {
	registry, workerNodeRepo, _ := newTestRegistry(t)
	now := time.Now().UTC()

	worker := registryTestWorker("w1", now.Add(-time.Minute))
	assert.Nil(t, workerNodeRepo.RegisterWorkerNode(&worker))
	_, updateErr := workerNodeRepo.UpdateStatusConditional("w1", models.WorkerStatusRunning, models.WorkerStatusTerminated)
	assert.Nil(t, updateErr)

	resource := models.AvailableResource{AvailableQueueLimit: 3, AvailableCPU: 2, AvailableRAM: 512}
	assert.Nil(t, registry.Heartbeat("w1", resource))

	fetched, getErr := workerNodeRepo.GetWorkerNode("w1")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusRunning, fetched.Status)
	assert.Equal(t, int64(3), fetched.AvailableResource.AvailableQueueLimit)

	// A heartbeat from an id that never registered is tolerated.
	assert.Nil(t, registry.Heartbeat("w-unknown", resource))
}

func Test_WorkerRegistry_AliveWorkers(t *testing.T) {
	registry, workerNodeRepo, _ := newTestRegistry(t)
	now := time.Now().UTC()

	running := registryTestWorker("w-running", now)
	assert.Nil(t, workerNodeRepo.RegisterWorkerNode(&running))

	fusing := registryTestWorker("w-fusing", now)
	assert.Nil(t, workerNodeRepo.RegisterWorkerNode(&fusing))
	_, updateErr := workerNodeRepo.UpdateStatusConditional("w-fusing", models.WorkerStatusRunning, models.WorkerStatusFusing)
	assert.Nil(t, updateErr)

	alive, err := registry.AliveWorkers()
	assert.Nil(t, err)
	assert.Len(t, alive, 1)
	assert.Equal(t, "w-running", alive[0].ID)
}

func Test_WorkerRegistry_BrokerSweepAndDeadBrokers(t *testing.T) {
	registry, _, brokerNodeRepo := newTestRegistry(t)
	now := time.Now().UTC()

	assert.Nil(t, brokerNodeRepo.UpsertHeartbeat("http://peer:9090", now.Add(-30*time.Second)))

	registry.SweepFusing(now)
	registry.SweepTerminated(now)

	dead, err := registry.DeadBrokers()
	assert.Nil(t, err)
	assert.Len(t, dead, 1)
	assert.Equal(t, "http://peer:9090", dead[0].Address)
}
