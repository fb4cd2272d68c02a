package models

// TriggerType says what fires a plan or a single job within its DAG.
type TriggerType string

const (
	// TriggerTypeSchedule the broker's own trigger timers fire it.
	TriggerTypeSchedule TriggerType = "SCHEDULE"
	// TriggerTypeAPI an external caller fires it (manual runs, approval gates).
	TriggerTypeAPI TriggerType = "API"
)

type ScheduleType string

const (
	ScheduleTypeNone       ScheduleType = "NONE"
	ScheduleTypeFixedRate  ScheduleType = "FIXED_RATE"
	ScheduleTypeFixedDelay ScheduleType = "FIXED_DELAY"
	ScheduleTypeCron       ScheduleType = "CRON"
)

type PlanInstanceStatus string

const (
	PlanInstanceStatusScheduling PlanInstanceStatus = "SCHEDULING"
	PlanInstanceStatusExecuting  PlanInstanceStatus = "EXECUTING"
	PlanInstanceStatusSucceeded  PlanInstanceStatus = "SUCCEEDED"
	PlanInstanceStatusFailed     PlanInstanceStatus = "FAILED"
)

func (s PlanInstanceStatus) Terminal() bool {
	return s == PlanInstanceStatusSucceeded || s == PlanInstanceStatusFailed
}

type JobInstanceStatus string

const (
	JobInstanceStatusScheduling JobInstanceStatus = "SCHEDULING"
	JobInstanceStatusExecuting  JobInstanceStatus = "EXECUTING"
	JobInstanceStatusSucceeded  JobInstanceStatus = "SUCCEEDED"
	JobInstanceStatusFailed     JobInstanceStatus = "FAILED"
)

func (s JobInstanceStatus) Terminal() bool {
	return s == JobInstanceStatusSucceeded || s == JobInstanceStatusFailed
}

type WorkerStatus string

const (
	// WorkerStatusRunning heartbeats observed inside the timeout window;
	// eligible for dispatch.
	WorkerStatusRunning WorkerStatus = "RUNNING"
	// WorkerStatusFusing one missed window; excluded from dispatch but its
	// in-flight work is left alone.
	WorkerStatusFusing WorkerStatus = "FUSING"
	// WorkerStatusTerminated two consecutive missed windows; in-flight work
	// gets recovered.
	WorkerStatusTerminated WorkerStatus = "TERMINATED"
)

type LoadBalanceType string

const (
	LoadBalanceTypeRoundRobin     LoadBalanceType = "ROUND_ROBIN"
	LoadBalanceTypeRandom         LoadBalanceType = "RANDOM"
	LoadBalanceTypeConsistentHash LoadBalanceType = "CONSISTENT_HASH"
	LoadBalanceTypeLRU            LoadBalanceType = "LEAST_RECENTLY_USED"
	LoadBalanceTypeLFU            LoadBalanceType = "LEAST_FREQUENTLY_USED"
	LoadBalanceTypeAppoint        LoadBalanceType = "APPOINT"
	LoadBalanceTypeBroadcast      LoadBalanceType = "BROADCAST"
)

type TagFilterCondition string

const (
	TagFilterConditionExists       TagFilterCondition = "EXISTS"
	TagFilterConditionNotExists    TagFilterCondition = "NOT_EXISTS"
	TagFilterConditionMustMatch    TagFilterCondition = "MUST_MATCH_VALUE"
	TagFilterConditionMustNotMatch TagFilterCondition = "MUST_NOT_MATCH_VALUE"
	TagFilterConditionMatchRegex   TagFilterCondition = "MATCH_VALUE_REGEX"
)
