package repository

import (
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/hashicorp/go-hclog"

	"flowbroker/db"
	"flowbroker/models"
	"flowbroker/utils"
)

// BrokerNode a peer broker's liveness record; the cluster analogue of a
// worker node, swept by the same window classification and consumed by the
// rebalance task.
type BrokerNode struct {
	Address         string              `json:"address"`
	Status          models.WorkerStatus `json:"status"`
	LastHeartbeatAt time.Time           `json:"last_heartbeat_at"`
	DateCreated     time.Time           `json:"date_created"`
}

type BrokerNodeRepo interface {
	UpsertHeartbeat(address string, heartbeatAt time.Time) *utils.GenericError
	GetBrokerNodesByStatus(status models.WorkerStatus) ([]BrokerNode, *utils.GenericError)
	GetBrokerNodesHeartbeatWindow(status models.WorkerStatus, windowStart time.Time, windowEnd time.Time) ([]BrokerNode, *utils.GenericError)
	UpdateStatusConditional(address string, expected models.WorkerStatus, next models.WorkerStatus) (uint64, *utils.GenericError)
}

const (
	BrokerNodesTableName = "broker_nodes"
)

const (
	BrokerNodesAddressColumn         = "address"
	BrokerNodesStatusColumn          = "status"
	BrokerNodesLastHeartbeatAtColumn = "last_heartbeat_at"
	BrokerNodesDateCreatedColumn     = "date_created"
)

type brokerNodeRepo struct {
	store  *db.DataStore
	logger hclog.Logger
}

func NewBrokerNodeRepo(logger hclog.Logger, store *db.DataStore) BrokerNodeRepo {
	return &brokerNodeRepo{
		store:  store,
		logger: logger.Named("broker-node-repo"),
	}
}

func (repo *brokerNodeRepo) UpsertHeartbeat(address string, heartbeatAt time.Time) *utils.GenericError {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(BrokerNodesTableName).
		Set(BrokerNodesStatusColumn, string(models.WorkerStatusRunning)).
		Set(BrokerNodesLastHeartbeatAtColumn, heartbeatAt).
		Where(sq.Eq{BrokerNodesAddressColumn: address}).
		RunWith(repo.store.Connection).
		Exec()
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	count, err := res.RowsAffected()
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	if count > 0 {
		return nil
	}

	_, err = sq.Insert(BrokerNodesTableName).
		Columns(
			BrokerNodesAddressColumn,
			BrokerNodesStatusColumn,
			BrokerNodesLastHeartbeatAtColumn,
			BrokerNodesDateCreatedColumn,
		).
		Values(address, string(models.WorkerStatusRunning), heartbeatAt, time.Now().UTC()).
		RunWith(repo.store.Connection).
		Exec()
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return nil
}

func (repo *brokerNodeRepo) GetBrokerNodesByStatus(status models.WorkerStatus) ([]BrokerNode, *utils.GenericError) {
	return repo.list(sq.Eq{BrokerNodesStatusColumn: string(status)})
}

func (repo *brokerNodeRepo) GetBrokerNodesHeartbeatWindow(status models.WorkerStatus, windowStart time.Time, windowEnd time.Time) ([]BrokerNode, *utils.GenericError) {
	return repo.list(sq.And{
		sq.Eq{BrokerNodesStatusColumn: string(status)},
		sq.GtOrEq{BrokerNodesLastHeartbeatAtColumn: windowStart},
		sq.Lt{BrokerNodesLastHeartbeatAtColumn: windowEnd},
	})
}

func (repo *brokerNodeRepo) UpdateStatusConditional(address string, expected models.WorkerStatus, next models.WorkerStatus) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(BrokerNodesTableName).
		Set(BrokerNodesStatusColumn, string(next)).
		Where(sq.And{
			sq.Eq{BrokerNodesAddressColumn: address},
			sq.Eq{BrokerNodesStatusColumn: string(expected)},
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

func (repo *brokerNodeRepo) list(pred interface{}) ([]BrokerNode, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	rows, err := sq.Select(
		BrokerNodesAddressColumn,
		BrokerNodesStatusColumn,
		BrokerNodesLastHeartbeatAtColumn,
		BrokerNodesDateCreatedColumn,
	).
		From(BrokerNodesTableName).
		Where(pred).
		OrderBy(BrokerNodesAddressColumn + " ASC").
		RunWith(repo.store.Connection).
		Query()
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	defer rows.Close()

	brokerNodes := []BrokerNode{}
	for rows.Next() {
		brokerNode := BrokerNode{}
		var status string

		err = rows.Scan(
			&brokerNode.Address,
			&status,
			&brokerNode.LastHeartbeatAt,
			&brokerNode.DateCreated,
		)
		if err != nil {
			return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
		}
		brokerNode.Status = models.WorkerStatus(status)
		brokerNodes = append(brokerNodes, brokerNode)
	}
	if rows.Err() != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, rows.Err().Error())
	}
	return brokerNodes, nil
}
