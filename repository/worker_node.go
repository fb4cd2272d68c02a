package repository

import (
	"encoding/json"
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/hashicorp/go-hclog"

	"flowbroker/db"
	"flowbroker/models"
	"flowbroker/utils"
)

type WorkerNodeRepo interface {
	RegisterWorkerNode(workerNode *models.WorkerNode) *utils.GenericError
	GetWorkerNode(id string) (*models.WorkerNode, *utils.GenericError)
	GetWorkerNodesByStatus(status models.WorkerStatus) ([]models.WorkerNode, *utils.GenericError)
	UpdateHeartbeat(id string, resource models.AvailableResource, heartbeatAt time.Time) (uint64, *utils.GenericError)
	GetWorkerNodesHeartbeatWindow(status models.WorkerStatus, windowStart time.Time, windowEnd time.Time) ([]models.WorkerNode, *utils.GenericError)
	UpdateStatusConditional(id string, expected models.WorkerStatus, next models.WorkerStatus) (uint64, *utils.GenericError)
}

const (
	WorkerNodesTableName = "worker_nodes"
)

const (
	WorkerNodesIdColumn                  = "id"
	WorkerNodesAddressColumn             = "address"
	WorkerNodesStatusColumn              = "status"
	WorkerNodesTagsColumn                = "tags"
	WorkerNodesExecutorsColumn           = "executors"
	WorkerNodesAvailableQueueLimitColumn = "available_queue_limit"
	WorkerNodesAvailableCPUColumn        = "available_cpu"
	WorkerNodesAvailableRAMColumn        = "available_ram"
	WorkerNodesLastHeartbeatAtColumn     = "last_heartbeat_at"
	WorkerNodesDateCreatedColumn         = "date_created"
)

type workerNodeRepo struct {
	store  *db.DataStore
	logger hclog.Logger
}

func NewWorkerNodeRepo(logger hclog.Logger, store *db.DataStore) WorkerNodeRepo {
	return &workerNodeRepo{
		store:  store,
		logger: logger.Named("worker-node-repo"),
	}
}

// RegisterWorkerNode first contact or re-registration; a returning worker
// replaces its previous record and comes back RUNNING.
func (repo *workerNodeRepo) RegisterWorkerNode(workerNode *models.WorkerNode) *utils.GenericError {
	tags, err := json.Marshal(workerNode.Tags)
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	executors, err := json.Marshal(workerNode.Executors)
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}

	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	now := time.Now().UTC()
	if workerNode.DateCreated.IsZero() {
		workerNode.DateCreated = now
	}
	if workerNode.LastHeartbeatAt.IsZero() {
		workerNode.LastHeartbeatAt = now
	}
	workerNode.Status = models.WorkerStatusRunning

	_, err = sq.Replace(WorkerNodesTableName).
		Columns(
			WorkerNodesIdColumn,
			WorkerNodesAddressColumn,
			WorkerNodesStatusColumn,
			WorkerNodesTagsColumn,
			WorkerNodesExecutorsColumn,
			WorkerNodesAvailableQueueLimitColumn,
			WorkerNodesAvailableCPUColumn,
			WorkerNodesAvailableRAMColumn,
			WorkerNodesLastHeartbeatAtColumn,
			WorkerNodesDateCreatedColumn,
		).
		Values(
			workerNode.ID,
			workerNode.Address,
			string(workerNode.Status),
			string(tags),
			string(executors),
			workerNode.AvailableResource.AvailableQueueLimit,
			workerNode.AvailableResource.AvailableCPU,
			workerNode.AvailableResource.AvailableRAM,
			workerNode.LastHeartbeatAt,
			workerNode.DateCreated,
		).
		RunWith(repo.store.Connection).
		Exec()
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return nil
}

func (repo *workerNodeRepo) GetWorkerNode(id string) (*models.WorkerNode, *utils.GenericError) {
	workerNodes, getErr := repo.list(sq.Eq{WorkerNodesIdColumn: id})
	if getErr != nil {
		return nil, getErr
	}
	if len(workerNodes) < 1 {
		return nil, utils.HTTPGenericError(http.StatusNotFound, "worker node not found")
	}
	return &workerNodes[0], nil
}

func (repo *workerNodeRepo) GetWorkerNodesByStatus(status models.WorkerStatus) ([]models.WorkerNode, *utils.GenericError) {
	return repo.list(sq.Eq{WorkerNodesStatusColumn: string(status)})
}

// UpdateHeartbeat any fresh heartbeat resets the worker to RUNNING.
func (repo *workerNodeRepo) UpdateHeartbeat(id string, resource models.AvailableResource, heartbeatAt time.Time) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(WorkerNodesTableName).
		Set(WorkerNodesStatusColumn, string(models.WorkerStatusRunning)).
		Set(WorkerNodesAvailableQueueLimitColumn, resource.AvailableQueueLimit).
		Set(WorkerNodesAvailableCPUColumn, resource.AvailableCPU).
		Set(WorkerNodesAvailableRAMColumn, resource.AvailableRAM).
		Set(WorkerNodesLastHeartbeatAtColumn, heartbeatAt).
		Where(sq.Eq{WorkerNodesIdColumn: id}).
		RunWith(repo.store.Connection).
		Exec()
	if err != nil {
		return 0, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return uint64(count), nil
}

// GetWorkerNodesHeartbeatWindow workers in the given status whose last
// heartbeat falls inside [windowStart, windowEnd); the liveness sweeps use
// disjoint windows so one heartbeat is classified once per cycle.
func (repo *workerNodeRepo) GetWorkerNodesHeartbeatWindow(status models.WorkerStatus, windowStart time.Time, windowEnd time.Time) ([]models.WorkerNode, *utils.GenericError) {
	return repo.list(sq.And{
		sq.Eq{WorkerNodesStatusColumn: string(status)},
		sq.GtOrEq{WorkerNodesLastHeartbeatAtColumn: windowStart},
		sq.Lt{WorkerNodesLastHeartbeatAtColumn: windowEnd},
	})
}

func (repo *workerNodeRepo) UpdateStatusConditional(id string, expected models.WorkerStatus, next models.WorkerStatus) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(WorkerNodesTableName).
		Set(WorkerNodesStatusColumn, string(next)).
		Where(sq.And{
			sq.Eq{WorkerNodesIdColumn: id},
			sq.Eq{WorkerNodesStatusColumn: string(expected)},
		}).
		RunWith(repo.store.Connection).
		Exec()
	if err != nil {
		return 0, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return uint64(count), nil
}

func (repo *workerNodeRepo) list(pred interface{}) ([]models.WorkerNode, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	rows, err := sq.Select(
		WorkerNodesIdColumn,
		WorkerNodesAddressColumn,
		WorkerNodesStatusColumn,
		WorkerNodesTagsColumn,
		WorkerNodesExecutorsColumn,
		WorkerNodesAvailableQueueLimitColumn,
		WorkerNodesAvailableCPUColumn,
		WorkerNodesAvailableRAMColumn,
		WorkerNodesLastHeartbeatAtColumn,
		WorkerNodesDateCreatedColumn,
	).
		From(WorkerNodesTableName).
		Where(pred).
		OrderBy(WorkerNodesIdColumn + " ASC").
		RunWith(repo.store.Connection).
		Query()
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	defer rows.Close()

	workerNodes := []models.WorkerNode{}
	for rows.Next() {
		workerNode := models.WorkerNode{}
		var status, tags, executors string

		err = rows.Scan(
			&workerNode.ID,
			&workerNode.Address,
			&status,
			&tags,
			&executors,
			&workerNode.AvailableResource.AvailableQueueLimit,
			&workerNode.AvailableResource.AvailableCPU,
			&workerNode.AvailableResource.AvailableRAM,
			&workerNode.LastHeartbeatAt,
			&workerNode.DateCreated,
		)
		if err != nil {
			return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
		}

		workerNode.Status = models.WorkerStatus(status)
		if err := json.Unmarshal([]byte(tags), &workerNode.Tags); err != nil {
			return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
		}
		if err := json.Unmarshal([]byte(executors), &workerNode.Executors); err != nil {
			return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
		}
		workerNodes = append(workerNodes, workerNode)
	}
	if rows.Err() != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, rows.Err().Error())
	}
	return workerNodes, nil
}
