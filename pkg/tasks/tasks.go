// Package tasks defines the structure for messages that are sent to Kafka.
package tasks

import "time"

// TrainingWakeup 提示 worker 有新的训练条目入队，worker 收到后立即领取，不必等到下一次轮询。
type TrainingWakeup struct {
	TeamID       string `json:"team_id"`
	DatasetID    string `json:"dataset_id"`
	CollectionID string `json:"collection_id"`
	Count        int    `json:"count"`
}

// UsageEvent 一次模型调用的 token 用量。
type UsageEvent struct {
	ID           string    `json:"id"`
	TeamID       string    `json:"team_id"`
	TmbID        string    `json:"tmb_id"`
	Source       string    `json:"source"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DatasetID    string    `json:"dataset_id,omitempty"`
	CollectionID string    `json:"collection_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
