package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/hashicorp/go-hclog"

	"flowbroker/constants"
	"flowbroker/db"
	"flowbroker/models"
	"flowbroker/utils"
)

type JobInstanceRepo interface {
	CreateJobInstance(jobInstance *models.JobInstance) *utils.GenericError
	BatchCreateJobInstances(jobInstances []models.JobInstance) *utils.GenericError
	GetJobInstance(id string) (*models.JobInstance, *utils.GenericError)
	GetLatestJobInstance(planInstanceId string, jobId string) (*models.JobInstance, *utils.GenericError)
	UpdateStatusConditional(id string, expected models.JobInstanceStatus, next models.JobInstanceStatus, message string) (uint64, *utils.GenericError)
	MarkExecuting(id string, workerId string) (uint64, *utils.GenericError)
	UpdateLastReport(id string, reportedAt time.Time) (uint64, *utils.GenericError)
	GetStuckExecutingJobInstances(ownerAddress string, reportedBefore time.Time, limit uint64) ([]models.JobInstance, *utils.GenericError)
	GetOverdueSchedulingJobInstances(ownerAddress string, triggerBefore time.Time, limit uint64) ([]models.JobInstance, *utils.GenericError)
	GetJobInstancesByOwner(ownerAddress string, limit uint64) ([]models.JobInstance, *utils.GenericError)
	ReassignOwner(id string, fromAddress string, toAddress string) (uint64, *utils.GenericError)
}

const (
	JobInstancesTableName = "job_instances"
)

const (
	JobInstancesIdColumn             = "id"
	JobInstancesPlanInstanceIdColumn = "plan_instance_id"
	JobInstancesPlanIdColumn         = "plan_id"
	JobInstancesPlanVersionColumn    = "plan_version"
	JobInstancesJobIdColumn          = "job_id"
	JobInstancesStatusColumn         = "status"
	JobInstancesRetryTimesColumn     = "retry_times"
	JobInstancesContextColumn        = "context"
	JobInstancesOwnerAddressColumn   = "owner_address"
	JobInstancesWorkerIdColumn       = "worker_id"
	JobInstancesTriggerAtColumn      = "trigger_at"
	JobInstancesStartAtColumn        = "start_at"
	JobInstancesEndAtColumn          = "end_at"
	JobInstancesLastReportAtColumn   = "last_report_at"
	JobInstancesMessageColumn        = "message"
	JobInstancesDateCreatedColumn    = "date_created"
)

type jobInstanceRepo struct {
	store  *db.DataStore
	logger hclog.Logger
}

func NewJobInstanceRepo(logger hclog.Logger, store *db.DataStore) JobInstanceRepo {
	return &jobInstanceRepo{
		store:  store,
		logger: logger.Named("job-instance-repo"),
	}
}

func (repo *jobInstanceRepo) CreateJobInstance(jobInstance *models.JobInstance) *utils.GenericError {
	return repo.BatchCreateJobInstances([]models.JobInstance{*jobInstance})
}

func (repo *jobInstanceRepo) BatchCreateJobInstances(jobInstances []models.JobInstance) *utils.GenericError {
	if len(jobInstances) < 1 {
		return nil
	}

	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	batches := utils.Batch(jobInstances, 12, constants.DBMaxVariableSize)

	for _, batch := range batches {
		insertBuilder := sq.Insert(JobInstancesTableName).
			Columns(
				JobInstancesIdColumn,
				JobInstancesPlanInstanceIdColumn,
				JobInstancesPlanIdColumn,
				JobInstancesPlanVersionColumn,
				JobInstancesJobIdColumn,
				JobInstancesStatusColumn,
				JobInstancesRetryTimesColumn,
				JobInstancesContextColumn,
				JobInstancesOwnerAddressColumn,
				JobInstancesWorkerIdColumn,
				JobInstancesTriggerAtColumn,
				JobInstancesDateCreatedColumn,
			)

		for _, jobInstance := range batch {
			contextData, err := json.Marshal(jobInstance.Context)
			if err != nil {
				return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
			}
			dateCreated := jobInstance.DateCreated
			if dateCreated.IsZero() {
				dateCreated = time.Now().UTC()
			}
			insertBuilder = insertBuilder.Values(
				jobInstance.ID,
				jobInstance.PlanInstanceID,
				jobInstance.PlanID,
				jobInstance.PlanVersion,
				jobInstance.JobID,
				string(jobInstance.Status),
				jobInstance.RetryTimes,
				string(contextData),
				jobInstance.OwnerAddress,
				jobInstance.WorkerID,
				jobInstance.TriggerAt,
				dateCreated,
			)
		}

		_, err := insertBuilder.RunWith(repo.store.Connection).Exec()
		if err != nil {
			return utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
		}
	}
	return nil
}

func (repo *jobInstanceRepo) GetJobInstance(id string) (*models.JobInstance, *utils.GenericError) {
	return repo.getOne(sq.Eq{JobInstancesIdColumn: id}, "")
}

// GetLatestJobInstance the newest row for the node; retries stack new rows
// so "latest" is the authoritative attempt.
func (repo *jobInstanceRepo) GetLatestJobInstance(planInstanceId string, jobId string) (*models.JobInstance, *utils.GenericError) {
	return repo.getOne(sq.And{
		sq.Eq{JobInstancesPlanInstanceIdColumn: planInstanceId},
		sq.Eq{JobInstancesJobIdColumn: jobId},
	}, fmt.Sprintf("%s DESC", JobInstancesDateCreatedColumn))
}

func (repo *jobInstanceRepo) UpdateStatusConditional(id string, expected models.JobInstanceStatus, next models.JobInstanceStatus, message string) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	updateBuilder := sq.Update(JobInstancesTableName).
		Set(JobInstancesStatusColumn, string(next)).
		Where(sq.And{
			sq.Eq{JobInstancesIdColumn: id},
			sq.Eq{JobInstancesStatusColumn: string(expected)},
		})

	if next.Terminal() {
		updateBuilder = updateBuilder.Set(JobInstancesEndAtColumn, time.Now().UTC())
	}
	if message != "" {
		updateBuilder = updateBuilder.Set(JobInstancesMessageColumn, message)
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

// MarkExecuting SCHEDULING -> EXECUTING once a worker accepted the work.
func (repo *jobInstanceRepo) MarkExecuting(id string, workerId string) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	now := time.Now().UTC()
	res, err := sq.Update(JobInstancesTableName).
		Set(JobInstancesStatusColumn, string(models.JobInstanceStatusExecuting)).
		Set(JobInstancesWorkerIdColumn, workerId).
		Set(JobInstancesStartAtColumn, now).
		Set(JobInstancesLastReportAtColumn, now).
		Where(sq.And{
			sq.Eq{JobInstancesIdColumn: id},
			sq.Eq{JobInstancesStatusColumn: string(models.JobInstanceStatusScheduling)},
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

func (repo *jobInstanceRepo) UpdateLastReport(id string, reportedAt time.Time) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(JobInstancesTableName).
		Set(JobInstancesLastReportAtColumn, reportedAt).
		Where(sq.And{
			sq.Eq{JobInstancesIdColumn: id},
			sq.Eq{JobInstancesStatusColumn: string(models.JobInstanceStatusExecuting)},
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

// GetStuckExecutingJobInstances executing work whose worker stopped
// reporting; the execute-check task feeds these back as synthetic failures.
func (repo *jobInstanceRepo) GetStuckExecutingJobInstances(ownerAddress string, reportedBefore time.Time, limit uint64) ([]models.JobInstance, *utils.GenericError) {
	return repo.list(sq.And{
		sq.Eq{JobInstancesOwnerAddressColumn: ownerAddress},
		sq.Eq{JobInstancesStatusColumn: string(models.JobInstanceStatusExecuting)},
		sq.Lt{JobInstancesLastReportAtColumn: reportedBefore},
	}, limit)
}

// GetOverdueSchedulingJobInstances rows whose dispatch never happened or got
// lost; the schedule-check task resubmits them.
func (repo *jobInstanceRepo) GetOverdueSchedulingJobInstances(ownerAddress string, triggerBefore time.Time, limit uint64) ([]models.JobInstance, *utils.GenericError) {
	return repo.list(sq.And{
		sq.Eq{JobInstancesOwnerAddressColumn: ownerAddress},
		sq.Eq{JobInstancesStatusColumn: string(models.JobInstanceStatusScheduling)},
		sq.Lt{JobInstancesTriggerAtColumn: triggerBefore},
	}, limit)
}

func (repo *jobInstanceRepo) GetJobInstancesByOwner(ownerAddress string, limit uint64) ([]models.JobInstance, *utils.GenericError) {
	return repo.list(sq.And{
		sq.Eq{JobInstancesOwnerAddressColumn: ownerAddress},
		sq.Eq{JobInstancesStatusColumn: []string{
			string(models.JobInstanceStatusScheduling),
			string(models.JobInstanceStatusExecuting),
		}},
	}, limit)
}

func (repo *jobInstanceRepo) ReassignOwner(id string, fromAddress string, toAddress string) (uint64, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	res, err := sq.Update(JobInstancesTableName).
		Set(JobInstancesOwnerAddressColumn, toAddress).
		Where(sq.And{
			sq.Eq{JobInstancesIdColumn: id},
			sq.Eq{JobInstancesOwnerAddressColumn: fromAddress},
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

func (repo *jobInstanceRepo) getOne(pred interface{}, orderBy string) (*models.JobInstance, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	selectBuilder := sq.Select(jobInstanceColumns()...).
		From(JobInstancesTableName).
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
		jobInstance, scanErr := scanJobInstance(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		return jobInstance, nil
	}
	if rows.Err() != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, rows.Err().Error())
	}
	return nil, utils.HTTPGenericError(http.StatusNotFound, "job instance not found")
}

func (repo *jobInstanceRepo) list(pred interface{}, limit uint64) ([]models.JobInstance, *utils.GenericError) {
	repo.store.ConnectionLock.Lock()
	defer repo.store.ConnectionLock.Unlock()

	selectBuilder := sq.Select(jobInstanceColumns()...).
		From(JobInstancesTableName).
		Where(pred).
		OrderBy(fmt.Sprintf("%s ASC", JobInstancesDateCreatedColumn)).
		RunWith(repo.store.Connection)
	if limit > 0 {
		selectBuilder = selectBuilder.Limit(limit)
	}

	rows, err := selectBuilder.Query()
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	defer rows.Close()

	jobInstances := []models.JobInstance{}
	for rows.Next() {
		jobInstance, scanErr := scanJobInstance(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobInstances = append(jobInstances, *jobInstance)
	}
	if rows.Err() != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, rows.Err().Error())
	}
	return jobInstances, nil
}

func jobInstanceColumns() []string {
	return []string{
		JobInstancesIdColumn,
		JobInstancesPlanInstanceIdColumn,
		JobInstancesPlanIdColumn,
		JobInstancesPlanVersionColumn,
		JobInstancesJobIdColumn,
		JobInstancesStatusColumn,
		JobInstancesRetryTimesColumn,
		JobInstancesContextColumn,
		JobInstancesOwnerAddressColumn,
		JobInstancesWorkerIdColumn,
		JobInstancesTriggerAtColumn,
		JobInstancesStartAtColumn,
		JobInstancesEndAtColumn,
		JobInstancesLastReportAtColumn,
		JobInstancesMessageColumn,
		JobInstancesDateCreatedColumn,
	}
}

func scanJobInstance(rows sq.RowScanner) (*models.JobInstance, *utils.GenericError) {
	jobInstance := models.JobInstance{}
	var status, contextData string
	var startAt, endAt, lastReportAt sql.NullTime

	err := rows.Scan(
		&jobInstance.ID,
		&jobInstance.PlanInstanceID,
		&jobInstance.PlanID,
		&jobInstance.PlanVersion,
		&jobInstance.JobID,
		&status,
		&jobInstance.RetryTimes,
		&contextData,
		&jobInstance.OwnerAddress,
		&jobInstance.WorkerID,
		&jobInstance.TriggerAt,
		&startAt,
		&endAt,
		&lastReportAt,
		&jobInstance.Message,
		&jobInstance.DateCreated,
	)
	if err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}

	jobInstance.Status = models.JobInstanceStatus(status)
	if startAt.Valid {
		jobInstance.StartAt = startAt.Time
	}
	if endAt.Valid {
		jobInstance.EndAt = endAt.Time
	}
	if lastReportAt.Valid {
		jobInstance.LastReportAt = lastReportAt.Time
	}
	if err := json.Unmarshal([]byte(contextData), &jobInstance.Context); err != nil {
		return nil, utils.HTTPGenericError(http.StatusInternalServerError, err.Error())
	}
	return &jobInstance, nil
}
