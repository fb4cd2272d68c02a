package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"flowbroker/models"
)

func newTestWorkerNode(id string) models.WorkerNode {
	return models.WorkerNode{
		ID:      id,
		Address: "http://10.0.0.1:8080",
		Status:  models.WorkerStatusRunning,
		Tags: map[string][]string{
			"zone": {"eu-west"},
		},
		Executors: []string{"shell", "http"},
		AvailableResource: models.AvailableResource{
			AvailableQueueLimit: 10,
			AvailableCPU:        4,
			AvailableRAM:        2048,
		},
		LastHeartbeatAt: time.Now().UTC(),
	}
}

func Test_WorkerNodeRepo_RegisterAndGet(t *testing.T) {
	store := newTestStore(t)
	workerNodeRepo := NewWorkerNodeRepo(testLogger(), store)

	workerNode := newTestWorkerNode("worker-1")
	registerErr := workerNodeRepo.RegisterWorkerNode(&workerNode)
	assert.Nil(t, registerErr)

	fetched, getErr := workerNodeRepo.GetWorkerNode("worker-1")
	assert.Nil(t, getErr)
	assert.Equal(t, workerNode.Address, fetched.Address)
	assert.Equal(t, models.WorkerStatusRunning, fetched.Status)
	assert.Equal(t, []string{"eu-west"}, fetched.Tags["zone"])
	assert.True(t, fetched.HasExecutor("shell"))
}

func Test_WorkerNodeRepo_ReRegisterResetsStatus(t *testing.T) {
	store := newTestStore(t)
	workerNodeRepo := NewWorkerNodeRepo(testLogger(), store)

	workerNode := newTestWorkerNode("worker-1")
	registerErr := workerNodeRepo.RegisterWorkerNode(&workerNode)
	assert.Nil(t, registerErr)

	count, updateErr := workerNodeRepo.UpdateStatusConditional("worker-1", models.WorkerStatusRunning, models.WorkerStatusTerminated)
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(1), count)

	// A restarted worker re-registers and comes back RUNNING.
	registerErr = workerNodeRepo.RegisterWorkerNode(&workerNode)
	assert.Nil(t, registerErr)

	fetched, getErr := workerNodeRepo.GetWorkerNode("worker-1")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusRunning, fetched.Status)
}

func Test_WorkerNodeRepo_HeartbeatWindow(t *testing.T) {
	store := newTestStore(t)
	workerNodeRepo := NewWorkerNodeRepo(testLogger(), store)

	now := time.Now().UTC()

	fresh := newTestWorkerNode("worker-fresh")
	fresh.LastHeartbeatAt = now.Add(-time.Second)
	registerErr := workerNodeRepo.RegisterWorkerNode(&fresh)
	assert.Nil(t, registerErr)

	stale := newTestWorkerNode("worker-stale")
	stale.LastHeartbeatAt = now.Add(-time.Minute)
	registerErr = workerNodeRepo.RegisterWorkerNode(&stale)
	assert.Nil(t, registerErr)

	// Window [now-10s, now): only the fresh heartbeat falls inside.
	workers, listErr := workerNodeRepo.GetWorkerNodesHeartbeatWindow(models.WorkerStatusRunning, now.Add(-10*time.Second), now)
	assert.Nil(t, listErr)
	assert.Len(t, workers, 1)
	assert.Equal(t, "worker-fresh", workers[0].ID)

	// Window ending before the stale heartbeat excludes both.
	workers, listErr = workerNodeRepo.GetWorkerNodesHeartbeatWindow(models.WorkerStatusRunning, now.Add(-time.Hour), now.Add(-2*time.Minute))
	assert.Nil(t, listErr)
	assert.Len(t, workers, 0)
}

func Test_WorkerNodeRepo_UpdateHeartbeat(t *testing.T) {
	store := newTestStore(t)
	workerNodeRepo := NewWorkerNodeRepo(testLogger(), store)

	workerNode := newTestWorkerNode("worker-1")
	registerErr := workerNodeRepo.RegisterWorkerNode(&workerNode)
	assert.Nil(t, registerErr)

	_, updateErr := workerNodeRepo.UpdateStatusConditional("worker-1", models.WorkerStatusRunning, models.WorkerStatusFusing)
	assert.Nil(t, updateErr)

	resource := models.AvailableResource{AvailableQueueLimit: 5, AvailableCPU: 2, AvailableRAM: 1024}
	count, heartbeatErr := workerNodeRepo.UpdateHeartbeat("worker-1", resource, time.Now().UTC())
	assert.Nil(t, heartbeatErr)
	assert.Equal(t, uint64(1), count)

	fetched, getErr := workerNodeRepo.GetWorkerNode("worker-1")
	assert.Nil(t, getErr)
	assert.Equal(t, models.WorkerStatusRunning, fetched.Status)
	assert.Equal(t, int64(5), fetched.AvailableResource.AvailableQueueLimit)

	count, heartbeatErr = workerNodeRepo.UpdateHeartbeat("unknown-worker", resource, time.Now().UTC())
	assert.Nil(t, heartbeatErr)
	assert.Equal(t, uint64(0), count)
}

func Test_BrokerNodeRepo_UpsertAndSweep(t *testing.T) {
	store := newTestStore(t)
	brokerNodeRepo := NewBrokerNodeRepo(testLogger(), store)

	now := time.Now().UTC()
	upsertErr := brokerNodeRepo.UpsertHeartbeat("http://127.0.0.1:9090", now.Add(-time.Minute))
	assert.Nil(t, upsertErr)
	upsertErr = brokerNodeRepo.UpsertHeartbeat("http://127.0.0.1:9091", now)
	assert.Nil(t, upsertErr)

	stale, listErr := brokerNodeRepo.GetBrokerNodesHeartbeatWindow(models.WorkerStatusRunning, now.Add(-time.Hour), now.Add(-30*time.Second))
	assert.Nil(t, listErr)
	assert.Len(t, stale, 1)
	assert.Equal(t, "http://127.0.0.1:9090", stale[0].Address)

	count, updateErr := brokerNodeRepo.UpdateStatusConditional("http://127.0.0.1:9090", models.WorkerStatusRunning, models.WorkerStatusTerminated)
	assert.Nil(t, updateErr)
	assert.Equal(t, uint64(1), count)

	dead, listErr := brokerNodeRepo.GetBrokerNodesByStatus(models.WorkerStatusTerminated)
	assert.Nil(t, listErr)
	assert.Len(t, dead, 1)

	// A fresh heartbeat from the address upserts it back to RUNNING.
	upsertErr = brokerNodeRepo.UpsertHeartbeat("http://127.0.0.1:9090", now)
	assert.Nil(t, upsertErr)
	running, listErr := brokerNodeRepo.GetBrokerNodesByStatus(models.WorkerStatusRunning)
	assert.Nil(t, listErr)
	assert.Len(t, running, 2)
}
