package models

import (
	"encoding/json"
	"time"
)

// PlanInstance one execution of a Plan version at one logical trigger time.
type PlanInstance struct {
	ID           string             `json:"id,omitempty"`
	PlanID       uint64             `json:"plan_id,omitempty"`
	PlanVersion  uint64             `json:"plan_version,omitempty"`
	Status       PlanInstanceStatus `json:"status,omitempty"`
	ScheduleType ScheduleType       `json:"schedule_type,omitempty"`
	TriggerType  TriggerType        `json:"trigger_type,omitempty"`
	TriggerAt    time.Time          `json:"trigger_at,omitempty"`
	StartAt      time.Time          `json:"start_at,omitempty"`
	FeedbackAt   time.Time          `json:"feedback_at,omitempty"`
	Attributes   map[string]string  `json:"attributes,omitempty"`
	// Message carries the failure reason once Status is FAILED.
	Message     string    `json:"message,omitempty"`
	DateCreated time.Time `json:"date_created,omitempty"`
}

func (planInstance *PlanInstance) ToJSON() ([]byte, error) {
	return json.Marshal(planInstance)
}

func (planInstance *PlanInstance) FromJSON(body []byte) error {
	return json.Unmarshal(body, planInstance)
}
