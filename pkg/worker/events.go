package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// EventType labels a job lifecycle notification.
type EventType string

const (
	// EventJobStarted fires when a worker begins executing a claimed job
	EventJobStarted EventType = "job.started"
	// EventJobSucceeded fires when a stage completes
	EventJobSucceeded EventType = "job.succeeded"
	// EventJobFailed fires on any failed execution, retried or terminal
	EventJobFailed EventType = "job.failed"
	// EventJobCancelled fires when a job aborts on a cancel request
	EventJobCancelled EventType = "job.cancelled"
)

// Event is the payload published on the event channel.
type Event struct {
	Type    EventType        `json:"type"`
	JobUID  types.JobUIDType `json:"job_uid"`
	DocUID  types.DocUIDType `json:"doc_uid"`
	JobType types.JobType    `json:"job_type"`
	Message string           `json:"message,omitempty"`
	Time    time.Time        `json:"time"`
}

// EventPublisher fans job lifecycle events out over redis pub/sub so API
// replicas can push progress to clients without polling the database.
type EventPublisher struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

// NewEventPublisher returns a publisher on the given channel.
func NewEventPublisher(client *redis.Client, channel string, log *zap.Logger) *EventPublisher {
	return &EventPublisher{client: client, channel: channel, log: log}
}

// Publish sends the event. Delivery is best effort; a publish failure never
// affects job processing.
func (p *EventPublisher) Publish(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("marshaling worker event", zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		p.log.Warn("publishing worker event", zap.Error(err))
	}
}
