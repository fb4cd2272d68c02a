package service

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowbroker/config"
	"flowbroker/models"
	"flowbroker/repository"
)

// WorkerRegistry classifies execution nodes by elapsed time since their
// last heartbeat, independent of any push notification:
//
//	RUNNING -> FUSING      one missed timeout window
//	FUSING  -> TERMINATED  a second consecutive missed window
//	any     -> RUNNING     immediately on a fresh heartbeat
//
// Three sweeps each scan a rolling window [lastCheckTime, now-k*timeout]
// for k=0,1,2 so a heartbeat timestamp is classified exactly once by
// exactly one sweep per cycle. Peer brokers get the same treatment through
// the broker node table; the rebalance task consumes their TERMINATED rows.
type WorkerRegistry struct {
	workerNodeRepo repository.WorkerNodeRepo
	brokerNodeRepo repository.BrokerNodeRepo
	logger         hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig

	ctx    context.Context
	cancel context.CancelFunc

	mtx                 sync.Mutex
	lastOnlineCheck     time.Time
	lastFusingCheck     time.Time
	lastTerminatedCheck time.Time
}

func NewWorkerRegistry(ctx context.Context, logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig, workerNodeRepo repository.WorkerNodeRepo, brokerNodeRepo repository.BrokerNodeRepo) *WorkerRegistry {
	registryCtx, cancel := context.WithCancel(ctx)
	return &WorkerRegistry{
		workerNodeRepo:   workerNodeRepo,
		brokerNodeRepo:   brokerNodeRepo,
		logger:           logger.Named("worker-registry"),
		flowbrokerConfig: flowbrokerConfig,
		ctx:              registryCtx,
		cancel:           cancel,
	}
}

func (registry *WorkerRegistry) heartbeatTimeout() time.Duration {
	configs := registry.flowbrokerConfig.GetConfigurations()
	return time.Duration(configs.HeartbeatTimeoutSecs) * time.Second
}

// Start launches the three detection sweeps plus the broker self-heartbeat
// loop. Sweeps tolerate being delayed under load; they are idempotent
// re-checks, not a strict clock.
func (registry *WorkerRegistry) Start() {
	go registry.runSweep(registry.SweepOnline)
	go registry.runSweep(registry.SweepFusing)
	go registry.runSweep(registry.SweepTerminated)
	go registry.runSelfHeartbeat()
}

func (registry *WorkerRegistry) Stop() {
	registry.cancel()
}

func (registry *WorkerRegistry) runSweep(sweep func(now time.Time)) {
	ticker := time.NewTicker(registry.heartbeatTimeout())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep(time.Now().UTC())
		case <-registry.ctx.Done():
			return
		}
	}
}

func (registry *WorkerRegistry) runSelfHeartbeat() {
	configs := registry.flowbrokerConfig.GetConfigurations()
	interval := registry.heartbeatTimeout() / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := registry.brokerNodeRepo.UpsertHeartbeat(configs.Address(), time.Now().UTC()); err != nil {
				registry.logger.Error("failed to record broker heartbeat", "error", err.Message)
			}
		case <-registry.ctx.Done():
			return
		}
	}
}

// SweepOnline k=0: anything not RUNNING that heartbeated inside the current
// window comes back RUNNING.
func (registry *WorkerRegistry) SweepOnline(now time.Time) {
	registry.mtx.Lock()
	windowStart := registry.lastOnlineCheck
	registry.lastOnlineCheck = now
	registry.mtx.Unlock()

	for _, status := range []models.WorkerStatus{models.WorkerStatusFusing, models.WorkerStatusTerminated} {
		workers, err := registry.workerNodeRepo.GetWorkerNodesHeartbeatWindow(status, windowStart, now)
		if err != nil {
			registry.logger.Error("online sweep failed", "error", err.Message)
			continue
		}
		for _, worker := range workers {
			registry.transitionWorker(worker.ID, status, models.WorkerStatusRunning)
		}

		brokers, err := registry.brokerNodeRepo.GetBrokerNodesHeartbeatWindow(status, windowStart, now)
		if err != nil {
			registry.logger.Error("online sweep failed for brokers", "error", err.Message)
			continue
		}
		for _, broker := range brokers {
			registry.transitionBroker(broker.Address, status, models.WorkerStatusRunning)
		}
	}
}

// SweepFusing k=1: RUNNING nodes whose last heartbeat is older than one
// timeout window degrade to FUSING.
func (registry *WorkerRegistry) SweepFusing(now time.Time) {
	registry.mtx.Lock()
	windowStart := registry.lastFusingCheck
	windowEnd := now.Add(-registry.heartbeatTimeout())
	registry.lastFusingCheck = windowEnd
	registry.mtx.Unlock()

	if !windowEnd.After(windowStart) {
		return
	}

	workers, err := registry.workerNodeRepo.GetWorkerNodesHeartbeatWindow(models.WorkerStatusRunning, windowStart, windowEnd)
	if err != nil {
		registry.logger.Error("fusing sweep failed", "error", err.Message)
		return
	}
	for _, worker := range workers {
		registry.transitionWorker(worker.ID, models.WorkerStatusRunning, models.WorkerStatusFusing)
	}

	brokers, err := registry.brokerNodeRepo.GetBrokerNodesHeartbeatWindow(models.WorkerStatusRunning, windowStart, windowEnd)
	if err != nil {
		registry.logger.Error("fusing sweep failed for brokers", "error", err.Message)
		return
	}
	for _, broker := range brokers {
		registry.transitionBroker(broker.Address, models.WorkerStatusRunning, models.WorkerStatusFusing)
	}
}

// SweepTerminated k=2: FUSING nodes silent for a second consecutive window
// are pronounced dead; their in-flight work gets recovered by the meta
// tasks.
func (registry *WorkerRegistry) SweepTerminated(now time.Time) {
	registry.mtx.Lock()
	windowStart := registry.lastTerminatedCheck
	windowEnd := now.Add(-2 * registry.heartbeatTimeout())
	registry.lastTerminatedCheck = windowEnd
	registry.mtx.Unlock()

	if !windowEnd.After(windowStart) {
		return
	}

	workers, err := registry.workerNodeRepo.GetWorkerNodesHeartbeatWindow(models.WorkerStatusFusing, windowStart, windowEnd)
	if err != nil {
		registry.logger.Error("terminated sweep failed", "error", err.Message)
		return
	}
	for _, worker := range workers {
		registry.transitionWorker(worker.ID, models.WorkerStatusFusing, models.WorkerStatusTerminated)
	}

	brokers, err := registry.brokerNodeRepo.GetBrokerNodesHeartbeatWindow(models.WorkerStatusFusing, windowStart, windowEnd)
	if err != nil {
		registry.logger.Error("terminated sweep failed for brokers", "error", err.Message)
		return
	}
	for _, broker := range brokers {
		registry.transitionBroker(broker.Address, models.WorkerStatusFusing, models.WorkerStatusTerminated)
	}
}

func (registry *WorkerRegistry) transitionWorker(workerId string, expected models.WorkerStatus, next models.WorkerStatus) {
	count, err := registry.workerNodeRepo.UpdateStatusConditional(workerId, expected, next)
	if err != nil {
		registry.logger.Error("failed to transition worker status", "workerId", workerId, "error", err.Message)
		return
	}
	if count > 0 {
		registry.logger.Info("worker status transition", "workerId", workerId, "from", expected, "to", next)
	}
}

func (registry *WorkerRegistry) transitionBroker(address string, expected models.WorkerStatus, next models.WorkerStatus) {
	count, err := registry.brokerNodeRepo.UpdateStatusConditional(address, expected, next)
	if err != nil {
		registry.logger.Error("failed to transition broker status", "address", address, "error", err.Message)
		return
	}
	if count > 0 {
		registry.logger.Info("broker status transition", "address", address, "from", expected, "to", next)
	}
}

// RegisterWorker first contact from a worker; it starts RUNNING.
func (registry *WorkerRegistry) RegisterWorker(workerNode *models.WorkerNode) error {
	if err := registry.workerNodeRepo.RegisterWorkerNode(workerNode); err != nil {
		return err
	}
	registry.logger.Info("registered worker", "workerId", workerNode.ID, "address", workerNode.Address)
	return nil
}

// Heartbeat resets the worker to RUNNING immediately, whatever sweep state
// it was in.
func (registry *WorkerRegistry) Heartbeat(workerId string, resource models.AvailableResource) error {
	count, err := registry.workerNodeRepo.UpdateHeartbeat(workerId, resource, time.Now().UTC())
	if err != nil {
		return err
	}
	if count == 0 {
		registry.logger.Warn("heartbeat from unregistered worker", "workerId", workerId)
	}
	return nil
}

// AliveWorkers the snapshot dispatch selection runs against; staleness up
// to one heartbeat window is acceptable.
func (registry *WorkerRegistry) AliveWorkers() ([]models.WorkerNode, error) {
	workers, err := registry.workerNodeRepo.GetWorkerNodesByStatus(models.WorkerStatusRunning)
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// DeadBrokers peer brokers the rebalance task should strip ownership from.
func (registry *WorkerRegistry) DeadBrokers() ([]repository.BrokerNode, error) {
	brokers, err := registry.brokerNodeRepo.GetBrokerNodesByStatus(models.WorkerStatusTerminated)
	if err != nil {
		return nil, err
	}
	return brokers, nil
}
