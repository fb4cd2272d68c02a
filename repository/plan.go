package repository

import (
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

type PlanRepo interface {
	CreatePlan(plan *models.Plan) *utils.GenericError
	GetPlan(planId uint64, version uint64) (*models.Plan, *utils.GenericError)
	GetLatestPlanVersion(planId uint64) (*models.Plan, *utils.GenericError)
	GetPlansModifiedSince(ownerAddress string, since time.Time) ([]models.Plan, *utils.GenericError)
	GetPlansByOwner(ownerAddress string, limit uint64) ([]models.Plan, *utils.GenericError)
	SetEnabled(planId uint64, version uint64, enabled bool) (uint64, *utils.GenericError)
	ReassignOwner(planId uint64, version uint64, fromAddress string, toAddress string) (uint64, *utils.GenericError)
}

const (
	PlansTableName = "plans"
)

const (
	PlansIdColumn             = "id"
	PlansVersionColumn        = "version"
	PlansNameColumn           = "name"
	PlansTriggerTypeColumn    = "trigger_type"
	PlansScheduleOptionColumn = "schedule_option"
	PlansJobSpecsColumn       = "job_specs"
	PlansEnabledColumn        = "enabled"
	PlansOwnerAddressColumn   = "owner_address"
	PlansDateCreatedColumn    = "date_created"
	PlansDateUpdatedColumn    = "date_updated"
)

type planRepo struct {
	store  *db.DataStore
	logger hclog.Logger
}

func NewPlanRepo(logger hclog.Logger, store *db.DataStore) PlanRepo {
	return &planRepo{
		store:  store,
		logger: logger.Named("plan-repo"),
	}
}

// CreatePlan inserts a new plan version. The graph is validated first so a
// version that cannot be scheduled never reaches the table.
func (repo *planRepo) CreatePlan(plan *models.Plan) *utils.GenericError {
	if _, graphErr := plan.DAG(); graphErr != nil {
		return utils.HTTPGenericError(http.StatusBadRequest, graphErr.Error())
	}
	if err := plan.ScheduleOption.Validate(); err != nil && plan.TriggerType == models.TriggerTypeSchedule {
		return utils.HTTPGenericError(http.StatusBadRequest, err.Error())
	}

	scheduleOption, err := json.Marshal(plan.ScheduleOption)
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	jobSpecs, err := json.Marshal(plan.JobSpecs)
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}

	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	now := time.Now().UTC()
	if plan.DateCreated.IsZero() {
		plan.DateCreated = now
	}

	_, err = sq.Insert(PlansTableName).
		Columns(
			PlansIdColumn,
			PlansVersionColumn,
			PlansNameColumn,
			PlansTriggerTypeColumn,
			PlansScheduleOptionColumn,
			PlansJobSpecsColumn,
			PlansEnabledColumn,
			PlansOwnerAddressColumn,
			PlansDateCreatedColumn,
			PlansDateUpdatedColumn,
		).
		Values(
			plan.ID,
			plan.Version,
			plan.Name,
			string(plan.TriggerType),
			string(scheduleOption),
			string(jobSpecs),
			plan.Enabled,
			plan.OwnerAddress,
			plan.DateCreated,
			now,
		).
		RunWith(repo.store.Connection).
		Exec()
	if err != nil {
		return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}

	return nil
}

func (repo *planRepo) GetPlan(planId uint64, version uint64) (*models.Plan, *utils.GenericError) {
	return repo.getOne(planId, sq.And{
		sq.Eq{PlansIdColumn: planId},
		sq.Eq{PlansVersionColumn: version},
	}, "")
}

func (repo *planRepo) GetLatestPlanVersion(planId uint64) (*models.Plan, *utils.GenericError) {
	return repo.getOne(planId, sq.Eq{PlansIdColumn: planId}, fmt.Sprintf("%s DESC", PlansVersionColumn))
}

func (repo *planRepo) getOne(planId uint64, pred interface{}, orderBy string) (*models.Plan, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	selectBuilder := sq.Select(planColumns()...).
		From(PlansTableName).
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
		plan, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		return plan, nil
	}
	if rows.Err() != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, rows.Err().Error())
	}
	return nil, utils.HTTPGenericError(http.StatusNotFound, fmt.Sprintf("plan %d not found", planId))
}

// GetPlansModifiedSince plans owned by this broker whose definition changed
// after the watermark; the plan load task passes lastLoadTime-epsilon.
func (repo *planRepo) GetPlansModifiedSince(ownerAddress string, since time.Time) ([]models.Plan, *utils.GenericError) {
	return repo.list(sq.And{
		sq.Eq{PlansOwnerAddressColumn: ownerAddress},
		sq.GtOrEq{PlansDateUpdatedColumn: since},
	}, 0)
}

func (repo *planRepo) GetPlansByOwner(ownerAddress string, limit uint64) ([]models.Plan, *utils.GenericError) {
	return repo.list(sq.Eq{PlansOwnerAddressColumn: ownerAddress}, limit)
}

func (repo *planRepo) list(pred interface{}, limit uint64) ([]models.Plan, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	selectBuilder := sq.Select(planColumns()...).
		From(PlansTableName).
		Where(pred).
		OrderBy(fmt.Sprintf("%s ASC, %s ASC", PlansIdColumn, PlansVersionColumn)).
		RunWith(repo.store.Connection)
	if limit > 0 {
		selectBuilder = selectBuilder.Limit(limit)
	}

	rows, err := selectBuilder.Query()
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	defer rows.Close()

	plans := []models.Plan{}
	for rows.Next() {
		plan, scanErr := scanPlan(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		plans = append(plans, *plan)
	}
	if rows.Err() != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, rows.Err().Error())
	}
	return plans, nil
}

func (repo *planRepo) SetEnabled(planId uint64, version uint64, enabled bool) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(PlansTableName).
		Set(PlansEnabledColumn, enabled).
		Set(PlansDateUpdatedColumn, time.Now().UTC()).
		Where(sq.And{
			sq.Eq{PlansIdColumn: planId},
			sq.Eq{PlansVersionColumn: version},
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

// ReassignOwner conditional on the current owner so two brokers racing to
// claim the same plan have exactly one winner.
func (repo *planRepo) ReassignOwner(planId uint64, version uint64, fromAddress string, toAddress string) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(PlansTableName).
		Set(PlansOwnerAddressColumn, toAddress).
		Set(PlansDateUpdatedColumn, time.Now().UTC()).
		Where(sq.And{
			sq.Eq{PlansIdColumn: planId},
			sq.Eq{PlansVersionColumn: version},
			sq.Eq{PlansOwnerAddressColumn: fromAddress},
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

func planColumns() []string {
	return []string{
		PlansIdColumn,
		PlansVersionColumn,
		PlansNameColumn,
		PlansTriggerTypeColumn,
		PlansScheduleOptionColumn,
		PlansJobSpecsColumn,
		PlansEnabledColumn,
		PlansOwnerAddressColumn,
		PlansDateCreatedColumn,
	}
}

func scanPlan(rows sq.RowScanner) (*models.Plan, *utils.GenericError) {
	plan := models.Plan{}
	var triggerType string
	var scheduleOption string
	var jobSpecs string

	err := rows.Scan(
		&plan.ID,
		&plan.Version,
		&plan.Name,
		&triggerType,
		&scheduleOption,
		&jobSpecs,
		&plan.Enabled,
		&plan.OwnerAddress,
		&plan.DateCreated,
	)
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}

	plan.TriggerType = models.TriggerType(triggerType)
	if err := json.Unmarshal([]byte(scheduleOption), &plan.ScheduleOption); err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	if err := json.Unmarshal([]byte(jobSpecs), &plan.JobSpecs); err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return &plan, nil
}
