package models

import (
	"encoding/json"
	"time"
)

type AvailableResource struct {
	AvailableQueueLimit int64   `json:"available_queue_limit"`
	AvailableCPU        float64 `json:"available_cpu"`
	AvailableRAM        float64 `json:"available_ram"`
}

// WorkerNode a remote execution node registered with the broker. Broker
// peers reuse the same shape through the cluster registry.
type WorkerNode struct {
	ID                string              `json:"id,omitempty"`
	Address           string              `json:"address,omitempty"`
	Status            WorkerStatus        `json:"status,omitempty"`
	Tags              map[string][]string `json:"tags,omitempty"`
	Executors         []string            `json:"executors,omitempty"`
	AvailableResource AvailableResource   `json:"available_resource"`
	LastHeartbeatAt   time.Time           `json:"last_heartbeat_at,omitempty"`
	DateCreated       time.Time           `json:"date_created,omitempty"`
}

func (workerNode *WorkerNode) ToJSON() ([]byte, error) {
	return json.Marshal(workerNode)
}

func (workerNode *WorkerNode) FromJSON(body []byte) error {
	return json.Unmarshal(body, workerNode)
}

// HasExecutor reports whether the worker advertises the named executor.
func (workerNode *WorkerNode) HasExecutor(name string) bool {
	for _, executor := range workerNode.Executors {
		if executor == name {
			return true
		}
	}
	return false
}

// HeartbeatPayload resource snapshot sent by a worker on each heartbeat.
type HeartbeatPayload struct {
	WorkerID          string            `json:"worker_id"`
	AvailableResource AvailableResource `json:"available_resource"`
}

func (payload *HeartbeatPayload) FromJSON(body []byte) error {
	return json.Unmarshal(body, payload)
}

// FeedbackPayload completion report for a dispatched job instance.
type FeedbackPayload struct {
	JobInstanceID string            `json:"job_instance_id"`
	Succeeded     bool              `json:"succeeded"`
	Message       string            `json:"message,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
}

func (payload *FeedbackPayload) FromJSON(body []byte) error {
	return json.Unmarshal(body, payload)
}
