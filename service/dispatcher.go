package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"

	"flowbroker/config"
	"flowbroker/constants"
	"flowbroker/models"
	"flowbroker/repository"
	"flowbroker/service/lb"
)

// DispatchResult the three outcomes the processor acts on.
type DispatchResult int

const (
	// DispatchResultAccepted a worker acked the work.
	DispatchResultAccepted DispatchResult = iota
	// DispatchResultNoWorker no live candidate passed the filters; the work
	// stays SCHEDULING and the schedule-check task resubmits it later.
	DispatchResultNoWorker
	// DispatchResultFailed every tried worker rejected or errored within
	// the retry budget; the work funnels into the normal failure path.
	DispatchResultFailed
)

// DispatchPayload what a worker receives for one job instance.
type DispatchPayload struct {
	JobInstanceID  string            `json:"job_instance_id"`
	PlanInstanceID string            `json:"plan_instance_id"`
	JobID          string            `json:"job_id"`
	ExecutorName   string            `json:"executor_name"`
	Context        map[string]string `json:"context,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// WorkerClient the outbound RPC port to execution nodes. Transport details
// stay behind this interface.
type WorkerClient interface {
	Dispatch(ctx context.Context, workerNode models.WorkerNode, payload DispatchPayload) error
}

type httpWorkerClient struct {
	logger           hclog.Logger
	flowbrokerConfig config.FlowbrokerConfig
}

func NewHTTPWorkerClient(logger hclog.Logger, flowbrokerConfig config.FlowbrokerConfig) WorkerClient {
	return &httpWorkerClient{
		logger:           logger.Named("worker-http-client"),
		flowbrokerConfig: flowbrokerConfig,
	}
}

func (client *httpWorkerClient) Dispatch(ctx context.Context, workerNode models.WorkerNode, payload DispatchPayload) error {
	configs := client.flowbrokerConfig.GetConfigurations()

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpClient := http.Client{
		Timeout: time.Duration(configs.DispatchTimeoutSecs) * time.Second,
	}

	url := fmt.Sprintf("%s/api/v1/tasks", workerNode.Address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		return nil
	}
	return fmt.Errorf("worker %s rejected dispatch with status %d", workerNode.ID, res.StatusCode)
}

// TaskDispatcher selects a live, capable worker for a job instance and
// sends it the work. Selection and sending are separate stages: a failed
// send excludes that worker and reselects from the remaining filtered set
// up to a fixed budget.
type TaskDispatcher struct {
	ctx             context.Context
	logger          hclog.Logger
	registry        *WorkerRegistry
	selector        WorkerSelector
	statistics      lb.StatisticsProvider
	client          WorkerClient
	jobInstanceRepo repository.JobInstanceRepo
}

func NewTaskDispatcher(ctx context.Context, logger hclog.Logger, registry *WorkerRegistry, selector WorkerSelector, statistics lb.StatisticsProvider, client WorkerClient, jobInstanceRepo repository.JobInstanceRepo) *TaskDispatcher {
	return &TaskDispatcher{
		ctx:             ctx,
		logger:          logger.Named("task-dispatcher"),
		registry:        registry,
		selector:        selector,
		statistics:      statistics,
		client:          client,
		jobInstanceRepo: jobInstanceRepo,
	}
}

// Dispatch picks worker(s) for the job instance and sends the work. On ack
// the instance moves SCHEDULING -> EXECUTING stamped with the worker id.
func (dispatcher *TaskDispatcher) Dispatch(jobInstance models.JobInstance, jobSpec models.JobSpec) DispatchResult {
	workers, err := dispatcher.registry.AliveWorkers()
	if err != nil {
		dispatcher.logger.Error("failed to snapshot live workers", "jobInstanceId", jobInstance.ID, "error", err.Error())
		return DispatchResultNoWorker
	}

	if jobSpec.DispatchOption.LoadBalanceType == models.LoadBalanceTypeBroadcast {
		return dispatcher.dispatchBroadcast(jobInstance, jobSpec, workers)
	}

	excluded := []string{}
	sawCandidate := false

	for attempt := 0; attempt < constants.DispatchRetryMax; attempt++ {
		selected := dispatcher.selector.Select(WorkerSelectArgs{
			ExecutorName:     jobSpec.ExecutorName,
			DispatchOption:   jobSpec.DispatchOption,
			HashAttributes:   hashAttributes(jobSpec.Attributes),
			ExcludeWorkerIds: excluded,
		}, workers)
		if len(selected) < 1 {
			break
		}
		sawCandidate = true
		target := selected[0]

		sendErr := dispatcher.client.Dispatch(dispatcher.ctx, target, dispatchPayloadFor(jobInstance, jobSpec))
		if sendErr != nil {
			dispatcher.logger.Warn("dispatch attempt failed",
				"jobInstanceId", jobInstance.ID, "workerId", target.ID, "attempt", attempt+1, "error", sendErr.Error())
			excluded = append(excluded, target.ID)
			continue
		}

		dispatcher.statistics.RecordUsage(target.ID, time.Now().UTC())
		if _, markErr := dispatcher.jobInstanceRepo.MarkExecuting(jobInstance.ID, target.ID); markErr != nil {
			dispatcher.logger.Error("failed to mark job instance executing",
				"jobInstanceId", jobInstance.ID, "workerId", target.ID, "error", markErr.Message)
		}
		return DispatchResultAccepted
	}

	if !sawCandidate {
		dispatcher.logger.Warn("no live worker for job instance", "jobInstanceId", jobInstance.ID, "executor", jobSpec.ExecutorName)
		return DispatchResultNoWorker
	}
	return DispatchResultFailed
}

func (dispatcher *TaskDispatcher) dispatchBroadcast(jobInstance models.JobInstance, jobSpec models.JobSpec, workers []models.WorkerNode) DispatchResult {
	selected := dispatcher.selector.Select(WorkerSelectArgs{
		ExecutorName:   jobSpec.ExecutorName,
		DispatchOption: jobSpec.DispatchOption,
	}, workers)
	if len(selected) < 1 {
		return DispatchResultNoWorker
	}

	accepted := 0
	var firstTarget string
	for _, target := range selected {
		sendErr := dispatcher.client.Dispatch(dispatcher.ctx, target, dispatchPayloadFor(jobInstance, jobSpec))
		if sendErr != nil {
			dispatcher.logger.Warn("broadcast dispatch failed for worker",
				"jobInstanceId", jobInstance.ID, "workerId", target.ID, "error", sendErr.Error())
			continue
		}
		dispatcher.statistics.RecordUsage(target.ID, time.Now().UTC())
		if accepted == 0 {
			firstTarget = target.ID
		}
		accepted++
	}

	if accepted == 0 {
		return DispatchResultFailed
	}
	if _, markErr := dispatcher.jobInstanceRepo.MarkExecuting(jobInstance.ID, firstTarget); markErr != nil {
		dispatcher.logger.Error("failed to mark job instance executing",
			"jobInstanceId", jobInstance.ID, "error", markErr.Message)
	}
	return DispatchResultAccepted
}

func dispatchPayloadFor(jobInstance models.JobInstance, jobSpec models.JobSpec) DispatchPayload {
	return DispatchPayload{
		JobInstanceID:  jobInstance.ID,
		PlanInstanceID: jobInstance.PlanInstanceID,
		JobID:          jobInstance.JobID,
		ExecutorName:   jobSpec.ExecutorName,
		Context:        jobInstance.Context,
		Attributes:     jobSpec.Attributes,
	}
}

// hashAttributes folds job attributes into a stable consistent-hash key.
func hashAttributes(attributes map[string]string) string {
	if len(attributes) < 1 {
		return ""
	}
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	key := ""
	for _, k := range keys {
		key += k + "=" + attributes[k] + ";"
	}
	return key
}
