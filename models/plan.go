package models

import (
	"encoding/json"
	"time"
)

// TagFilter one (name, condition, value) predicate against a worker's tag
// map. Multiple filters on a job compose with logical AND.
type TagFilter struct {
	TagName   string             `json:"tag_name"`
	Condition TagFilterCondition `json:"condition"`
	TagValue  string             `json:"tag_value,omitempty"`
}

// DispatchOption how a job instance picks its worker.
type DispatchOption struct {
	LoadBalanceType LoadBalanceType `json:"load_balance_type"`
	CPURequirement  float64         `json:"cpu_requirement,omitempty"`
	RAMRequirement  float64         `json:"ram_requirement,omitempty"`
	TagFilters      []TagFilter     `json:"tag_filters,omitempty"`
	// AppointWorkerId pins dispatch to one worker when LoadBalanceType is
	// APPOINT.
	AppointWorkerId string `json:"appoint_worker_id,omitempty"`
}

type RetryOption struct {
	MaxRetries int64 `json:"max_retries"`
	// RetryInterval seconds between a failure and the retry attempt's
	// trigger time.
	RetryInterval int64 `json:"retry_interval"`
}

// JobSpec one node of a plan version's DAG.
type JobSpec struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	ChildIds       []string          `json:"child_ids,omitempty"`
	TriggerType    TriggerType       `json:"trigger_type"`
	ExecutorName   string            `json:"executor_name"`
	DispatchOption DispatchOption    `json:"dispatch_option"`
	RetryOption    RetryOption       `json:"retry_option"`
	SkipWhenFail   bool              `json:"skip_when_fail"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

type ScheduleOption struct {
	ScheduleType    ScheduleType `json:"schedule_type"`
	ScheduleStartAt time.Time    `json:"schedule_start_at,omitempty"`
	ScheduleEndAt   time.Time    `json:"schedule_end_at,omitempty"`
	// Interval seconds between fires for FIXED_RATE (trigger to trigger)
	// and FIXED_DELAY (feedback to trigger).
	Interval int64  `json:"interval,omitempty"`
	CronExpr string `json:"cron_expr,omitempty"`
}

// Plan a versioned scheduling template. A version is immutable; edits
// publish a new version.
type Plan struct {
	ID             uint64         `json:"id,omitempty"`
	Version        uint64         `json:"version,omitempty"`
	Name           string         `json:"name,omitempty"`
	TriggerType    TriggerType    `json:"trigger_type,omitempty"`
	ScheduleOption ScheduleOption `json:"schedule_option"`
	JobSpecs       []JobSpec      `json:"job_specs,omitempty"`
	Enabled        bool           `json:"enabled"`
	OwnerAddress   string         `json:"owner_address,omitempty"`
	DateCreated    time.Time      `json:"date_created,omitempty"`
}

func (plan *Plan) ToJSON() ([]byte, error) {
	return json.Marshal(plan)
}

func (plan *Plan) FromJSON(body []byte) error {
	return json.Unmarshal(body, plan)
}

// DAG builds the dependency graph for this plan version. Fails on cycles,
// dangling child references and unreachable nodes.
func (plan *Plan) DAG() (*DAG, *GraphError) {
	return NewDAG(plan.JobSpecs)
}
