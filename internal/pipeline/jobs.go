package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskGeneratePiece is scheduled each time a submission passes admission.
const TaskGeneratePiece = "piece:generate"

// GeneratePayload is serialized into the task so the processor knows which
// piece to run the pipeline for. The payload outlives a process restart.
type GeneratePayload struct {
	PieceID string `json:"piece_id"`
}

// Queue enqueues generation jobs onto the durable task queue.
type Queue struct {
	client *asynq.Client
}

// NewQueue wraps an asynq client as a generation queue.
func NewQueue(client *asynq.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue schedules the generation job for pieceID.
func (q *Queue) Enqueue(ctx context.Context, pieceID string) error {
	data, err := json.Marshal(GeneratePayload{PieceID: pieceID})
	if err != nil {
		return fmt.Errorf("pipeline: marshal payload: %w", err)
	}
	task := asynq.NewTask(TaskGeneratePiece, data)
	if _, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(3)); err != nil {
		return fmt.Errorf("pipeline: enqueue generate task: %w", err)
	}
	return nil
}
