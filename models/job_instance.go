package models

import (
	"encoding/json"
	"time"
)

// JobInstance one execution of one DAG node within a PlanInstance. Retries
// insert a new row with RetryTimes+1; the latest row per
// (plan_instance_id, job_id) is the authoritative one.
type JobInstance struct {
	ID             string            `json:"id,omitempty"`
	PlanInstanceID string            `json:"plan_instance_id,omitempty"`
	PlanID         uint64            `json:"plan_id,omitempty"`
	PlanVersion    uint64            `json:"plan_version,omitempty"`
	JobID          string            `json:"job_id,omitempty"`
	Status         JobInstanceStatus `json:"status,omitempty"`
	RetryTimes     int64             `json:"retry_times"`
	Context        map[string]string `json:"context,omitempty"`
	OwnerAddress   string            `json:"owner_address,omitempty"`
	WorkerID       string            `json:"worker_id,omitempty"`
	TriggerAt      time.Time         `json:"trigger_at,omitempty"`
	StartAt        time.Time         `json:"start_at,omitempty"`
	EndAt          time.Time         `json:"end_at,omitempty"`
	// LastReportAt liveness proof from the worker while executing, distinct
	// from completion feedback.
	LastReportAt time.Time `json:"last_report_at,omitempty"`
	Message      string    `json:"message,omitempty"`
	DateCreated  time.Time `json:"date_created,omitempty"`
}

func (jobInstance *JobInstance) ToJSON() ([]byte, error) {
	return json.Marshal(jobInstance)
}

func (jobInstance *JobInstance) FromJSON(body []byte) error {
	return json.Unmarshal(body, jobInstance)
}
