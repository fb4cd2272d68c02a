package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/hashicorp/go-hclog"

	"flowbroker/db"
	"flowbroker/models"
	"flowbroker/utils"
)

type PlanInstanceRepo interface {
	CreatePlanInstance(planInstance *models.PlanInstance) *utils.GenericError
	GetPlanInstance(id string) (*models.PlanInstance, *utils.GenericError)
	GetLatestPlanInstance(planId uint64, planVersion uint64, scheduleType models.ScheduleType, triggerType models.TriggerType) (*models.PlanInstance, *utils.GenericError)
	UpdateStatusConditional(id string, expected models.PlanInstanceStatus, next models.PlanInstanceStatus, message string) (uint64, *utils.GenericError)
}

const (
	PlanInstancesTableName = "plan_instances"
)

const (
	PlanInstancesIdColumn           = "id"
	PlanInstancesPlanIdColumn       = "plan_id"
	PlanInstancesPlanVersionColumn  = "plan_version"
	PlanInstancesStatusColumn       = "status"
	PlanInstancesScheduleTypeColumn = "schedule_type"
	PlanInstancesTriggerTypeColumn  = "trigger_type"
	PlanInstancesTriggerAtColumn    = "trigger_at"
	PlanInstancesStartAtColumn      = "start_at"
	PlanInstancesFeedbackAtColumn   = "feedback_at"
	PlanInstancesAttributesColumn   = "attributes"
	PlanInstancesMessageColumn      = "message"
	PlanInstancesDateCreatedColumn  = "date_created"
)

type planInstanceRepo struct {
	store  *db.DataStore
	logger hclog.Logger
}

func NewPlanInstanceRepo(logger hclog.Logger, store *db.DataStore) PlanInstanceRepo {
	return &planInstanceRepo{
		store:  store,
		logger: logger.Named("plan-instance-repo"),
	}
}

func (repo *planInstanceRepo) CreatePlanInstance(planInstance *models.PlanInstance) *utils.GenericError {
	attributes, err := json.Marshal(planInstance.Attributes)
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}

	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	if planInstance.DateCreated.IsZero() {
		planInstance.DateCreated = time.Now().UTC()
	}

	_, err = sq.Insert(PlanInstancesTableName).
		Columns(
			PlanInstancesIdColumn,
			PlanInstancesPlanIdColumn,
			PlanInstancesPlanVersionColumn,
			PlanInstancesStatusColumn,
			PlanInstancesScheduleTypeColumn,
			PlanInstancesTriggerTypeColumn,
			PlanInstancesTriggerAtColumn,
			PlanInstancesStartAtColumn,
			PlanInstancesAttributesColumn,
			PlanInstancesMessageColumn,
			PlanInstancesDateCreatedColumn,
		).
		Values(
			planInstance.ID,
			planInstance.PlanID,
			planInstance.PlanVersion,
			string(planInstance.Status),
			string(planInstance.ScheduleType),
			string(planInstance.TriggerType),
			planInstance.TriggerAt,
			planInstance.StartAt,
			string(attributes),
			planInstance.Message,
			planInstance.DateCreated,
		).
		RunWith(repo.store.Connection).
		Exec()
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return nil
}

func (repo *planInstanceRepo) GetPlanInstance(id string) (*models.PlanInstance, *utils.GenericError) {
	return repo.getOne(sq.Eq{PlanInstancesIdColumn: id}, "")
}

// GetLatestPlanInstance the newest instance for the duplicate-trigger guard.
func (repo *planInstanceRepo) GetLatestPlanInstance(planId uint64, planVersion uint64, scheduleType models.ScheduleType, triggerType models.TriggerType) (*models.PlanInstance, *utils.GenericError) {
	return repo.getOne(sq.And{
		sq.Eq{PlanInstancesPlanIdColumn: planId},
		sq.Eq{PlanInstancesPlanVersionColumn: planVersion},
		sq.Eq{PlanInstancesScheduleTypeColumn: string(scheduleType)},
		sq.Eq{PlanInstancesTriggerTypeColumn: string(triggerType)},
	}, fmt.Sprintf("%s DESC", PlanInstancesDateCreatedColumn))
}

func (repo *planInstanceRepo) getOne(pred interface{}, orderBy string) (*models.PlanInstance, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	selectBuilder := sq.Select(planInstanceColumns()...).
		From(PlanInstancesTableName).
		Where(pred).
		Limit(1).
		RunWith(repo.store.Connection)
	if orderBy != "" {
		selectBuilder = selectBuilder.OrderBy(orderBy)
	}

	rows, err := selectBuilder.Query()
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	defer rows.Close()

	for rows.Next() {
		planInstance, scanErr := scanPlanInstance(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		return planInstance, nil
	}
	if rows.Err() != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, rows.Err().Error())
	}
	return nil, utils.HTTPGenericError(http.StatusNotFound, "plan instance not found")
}

// UpdateStatusConditional the idempotency primitive: zero affected rows
// means another actor already performed the transition.
func (repo *planInstanceRepo) UpdateStatusConditional(id string, expected models.PlanInstanceStatus, next models.PlanInstanceStatus, message string) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	updateBuilder := sq.Update(PlanInstancesTableName).
		Set(PlanInstancesStatusColumn, string(next)).
		Where(sq.And{
			sq.Eq{PlanInstancesIdColumn: id},
			sq.Eq{PlanInstancesStatusColumn: string(expected)},
		})

	if next == models.PlanInstanceStatusExecuting {
		updateBuilder = updateBuilder.Set(PlanInstancesStartAtColumn, time.Now().UTC())
	}
	if next.Terminal() {
		updateBuilder = updateBuilder.Set(PlanInstancesFeedbackAtColumn, time.Now().UTC())
	}
	if message != "" {
		updateBuilder = updateBuilder.Set(PlanInstancesMessageColumn, message)
	}

	res, err := updateBuilder.RunWith(repo.store.Connection).Exec()
	if err != nil {
		return 0, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return uint64(count), nil
}

func planInstanceColumns() []string {
	return []string{
		PlanInstancesIdColumn,
		PlanInstancesPlanIdColumn,
		PlanInstancesPlanVersionColumn,
		PlanInstancesStatusColumn,
		PlanInstancesScheduleTypeColumn,
		PlanInstancesTriggerTypeColumn,
		PlanInstancesTriggerAtColumn,
		PlanInstancesStartAtColumn,
		PlanInstancesFeedbackAtColumn,
		PlanInstancesAttributesColumn,
		PlanInstancesMessageColumn,
		PlanInstancesDateCreatedColumn,
	}
}

func scanPlanInstance(rows sq.RowScanner) (*models.PlanInstance, *utils.GenericError) {
	planInstance := models.PlanInstance{}
	var status, scheduleType, triggerType, attributes string
	var startAt, feedbackAt sql.NullTime

	err := rows.Scan(
		&planInstance.ID,
		&planInstance.PlanID,
		&planInstance.PlanVersion,
		&status,
		&scheduleType,
		&triggerType,
		&planInstance.TriggerAt,
		&startAt,
		&feedbackAt,
		&attributes,
		&planInstance.Message,
		&planInstance.DateCreated,
	)
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}

	planInstance.Status = models.PlanInstanceStatus(status)
	planInstance.ScheduleType = models.ScheduleType(scheduleType)
	planInstance.TriggerType = models.TriggerType(triggerType)
	if startAt.Valid {
		planInstance.StartAt = startAt.Time
	}
	if feedbackAt.Valid {
		planInstance.FeedbackAt = feedbackAt.Time
	}
	if err := json.Unmarshal([]byte(attributes), &planInstance.Attributes); err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return &planInstance, nil
}
