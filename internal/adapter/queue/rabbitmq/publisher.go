package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/domain"
	"github.com/crabzie/Delegate-Task-Control-Plane/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type taskIntake struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	log      *zap.Logger
}

// NewTaskIntake dials the broker with incremental backoff and returns the
// intake used both to publish new tasks and to feed the dispatcher
func NewTaskIntake(url, exchange, queue string, log *zap.Logger) (port.TaskIntake, error) {
	var conn *amqp.Connection
	var err error

	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, err := conn.Channel()
			if err == nil {
				return &taskIntake{
					conn:     conn,
					ch:       ch,
					exchange: exchange,
					queue:    queue,
					log:      log,
				}, nil
			}
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// PublishTask puts a new task on the intake exchange. Synchronous tasks get
// the "task.sync" routing key so they can be drained with priority.
func (q *taskIntake) PublishTask(ctx context.Context, task *domain.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	routingKey := "task.async"
	if task.Sync {
		routingKey = "task.sync"
	}

	err = q.ch.PublishWithContext(ctx,
		q.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
	if err != nil {
		q.log.Error("Failed to publish task", zap.Error(err))
		return err
	}

	q.log.Info("Published task to intake", zap.String("id", task.ID), zap.String("key", routingKey))
	return nil
}
