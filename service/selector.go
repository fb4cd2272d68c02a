package service

import (
	"regexp"
	"sync"

	"github.com/hashicorp/go-hclog"

	"flowbroker/models"
	"flowbroker/service/lb"
)

// WorkerSelectArgs one selection request: the capability the work needs,
// its dispatch policy, and workers already tried this attempt.
type WorkerSelectArgs struct {
	ExecutorName     string
	DispatchOption   models.DispatchOption
	HashAttributes   string
	ExcludeWorkerIds []string
}

type WorkerSelector interface {
	Select(args WorkerSelectArgs, workers []models.WorkerNode) []models.WorkerNode
}

// workerSelector narrows the candidate set through the capability, tag and
// resource filters, then delegates to the configured load-balance strategy.
// Strategy instances are cached per load-balance type so the round-robin
// cursor survives across calls.
type workerSelector struct {
	logger     hclog.Logger
	statistics lb.StatisticsProvider
	strategies sync.Map
}

func NewWorkerSelector(logger hclog.Logger, statistics lb.StatisticsProvider) WorkerSelector {
	return &workerSelector{
		logger:     logger.Named("worker-selector"),
		statistics: statistics,
	}
}

func (selector *workerSelector) Select(args WorkerSelectArgs, workers []models.WorkerNode) []models.WorkerNode {
	candidates := filterExcluded(args.ExcludeWorkerIds, workers)
	candidates = filterExecutor(args.ExecutorName, candidates)
	candidates = filterTags(args.DispatchOption.TagFilters, candidates)
	candidates = filterResources(args.DispatchOption, candidates)

	if len(candidates) < 1 {
		return nil
	}

	if args.DispatchOption.LoadBalanceType == models.LoadBalanceTypeBroadcast {
		return candidates
	}

	strategy := selector.strategyFor(args.DispatchOption.LoadBalanceType)
	selected := strategy.Select(candidates, lb.SelectArgs{
		HashKey:         args.ExecutorName + args.HashAttributes,
		AppointWorkerId: args.DispatchOption.AppointWorkerId,
	})
	if selected == nil {
		return nil
	}
	return []models.WorkerNode{*selected}
}

func (selector *workerSelector) strategyFor(loadBalanceType models.LoadBalanceType) lb.Strategy {
	if cached, ok := selector.strategies.Load(loadBalanceType); ok {
		return cached.(lb.Strategy)
	}
	strategy, _ := selector.strategies.LoadOrStore(loadBalanceType, lb.NewStrategy(loadBalanceType, selector.statistics))
	return strategy.(lb.Strategy)
}

func filterExcluded(excludeWorkerIds []string, workers []models.WorkerNode) []models.WorkerNode {
	if len(excludeWorkerIds) < 1 {
		return workers
	}
	excluded := make(map[string]bool, len(excludeWorkerIds))
	for _, workerId := range excludeWorkerIds {
		excluded[workerId] = true
	}
	filtered := make([]models.WorkerNode, 0, len(workers))
	for _, worker := range workers {
		if !excluded[worker.ID] {
			filtered = append(filtered, worker)
		}
	}
	return filtered
}

// filterExecutor fails closed: work that names no executor matches nothing.
func filterExecutor(executorName string, workers []models.WorkerNode) []models.WorkerNode {
	if executorName == "" {
		return nil
	}
	filtered := make([]models.WorkerNode, 0, len(workers))
	for _, worker := range workers {
		if worker.HasExecutor(executorName) {
			filtered = append(filtered, worker)
		}
	}
	return filtered
}

func filterTags(tagFilters []models.TagFilter, workers []models.WorkerNode) []models.WorkerNode {
	if len(tagFilters) < 1 {
		return workers
	}
	filtered := make([]models.WorkerNode, 0, len(workers))
	for _, worker := range workers {
		if matchesAllTagFilters(tagFilters, worker.Tags) {
			filtered = append(filtered, worker)
		}
	}
	return filtered
}

func matchesAllTagFilters(tagFilters []models.TagFilter, tags map[string][]string) bool {
	for _, filter := range tagFilters {
		values, exists := tags[filter.TagName]
		switch filter.Condition {
		case models.TagFilterConditionExists:
			if !exists {
				return false
			}
		case models.TagFilterConditionNotExists:
			if exists {
				return false
			}
		case models.TagFilterConditionMustMatch:
			if !containsValue(values, filter.TagValue) {
				return false
			}
		case models.TagFilterConditionMustNotMatch:
			if containsValue(values, filter.TagValue) {
				return false
			}
		case models.TagFilterConditionMatchRegex:
			pattern, err := regexp.Compile(filter.TagValue)
			if err != nil {
				return false
			}
			if !matchesAnyValue(values, pattern) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func containsValue(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func matchesAnyValue(values []string, pattern *regexp.Regexp) bool {
	for _, v := range values {
		if pattern.MatchString(v) {
			return true
		}
	}
	return false
}

// filterResources drops workers with exhausted queue slots, CPU or RAM, or
// less than the work's declared requirement.
func filterResources(dispatchOption models.DispatchOption, workers []models.WorkerNode) []models.WorkerNode {
	filtered := make([]models.WorkerNode, 0, len(workers))
	for _, worker := range workers {
		resource := worker.AvailableResource
		if resource.AvailableQueueLimit <= 0 {
			continue
		}
		if resource.AvailableCPU <= 0 || resource.AvailableCPU < dispatchOption.CPURequirement {
			continue
		}
		if resource.AvailableRAM <= 0 || resource.AvailableRAM < dispatchOption.RAMRequirement {
			continue
		}
		filtered = append(filtered, worker)
	}
	return filtered
}
