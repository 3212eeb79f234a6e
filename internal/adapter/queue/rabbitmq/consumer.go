package rabbitmq

import (
	"context"
	"encoding/json"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"go.uber.org/zap"
)

// ConsumeTasks feeds intake messages to the dispatcher handler. Malformed
// bodies are nacked without requeue; handler failures nack with requeue so
// a transient store outage does not drop tasks.
func (q *taskIntake) ConsumeTasks(ctx context.Context, handler func(task *domain.Task) error) error {
	_, err := q.ch.QueueDeclare(
		q.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return err
	}

	msgs, err := q.ch.Consume(
		q.queue, // queue
		"",      // consumer
		false,   // auto-ack (ack after the dispatcher persisted the task)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming task intake", zap.String("queue", q.queue))

	go func() {
		for d := range msgs {
			var task domain.Task
			if err := json.Unmarshal(d.Body, &task); err != nil {
				q.log.Error("Failed to unmarshal intake task", zap.Error(err))
				d.Nack(false, false) // discard invalid message
				continue
			}

			if err := handler(&task); err != nil {
				q.log.Error("Dispatch failed, requeueing intake message",
					zap.String("id", task.ID), zap.Error(err))
				d.Nack(false, true)
			} else {
				d.Ack(false)
			}
		}
	}()

	return nil
}
