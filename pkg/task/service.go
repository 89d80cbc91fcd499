package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//go:generate mockgen -source=service.go -destination=mocks/mock_enqueuer.go -package=mocks

// Enqueuer hands tasks to the queue. Callers must treat a failed enqueue as
// lost: nothing is buffered locally.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "licensing_tasks_enqueued_total",
	Help: "Tasks handed to the queue by type and result.",
}, []string{"type", "result"})

type enqueuerImpl struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(context.Background(), task, opts...)
	if err != nil {
		enqueued.WithLabelValues(task.Type(), "error").Inc()
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	enqueued.WithLabelValues(task.Type(), "ok").Inc()
	return info, nil
}

// EnqueueJSON encodes payload as JSON and enqueues it as typename.
func EnqueueJSON(e Enqueuer, typename string, payload any, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typename, err)
	}
	return e.Enqueue(asynq.NewTask(typename, b), opts...)
}
