package events

import (
	"errors"
	"sync"
	"time"

	"github.com/cuemby/scanplane/pkg/metrics"
	"github.com/cuemby/scanplane/pkg/types"
	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
	EventStageUpdated   EventType = "stage.updated"
)

// ForStageStatus returns the event emitted when a stage is persisted with status
func ForStageStatus(status types.StageStatus) EventType {
	switch status {
	case types.StageStatusRunning:
		return EventStageStarted
	case types.StageStatusSucceeded:
		return EventStageCompleted
	case types.StageStatusFailed:
		return EventStageFailed
	default:
		return EventStageUpdated
	}
}

// ErrBufferFull is returned by Publish when the broker cannot accept more events
var ErrBufferFull = errors.New("event buffer full")

// ErrStopped is returned by Publish after Stop
var ErrStopped = errors.New("event broker stopped")

// Event is a stage transition notification
type Event struct {
	ID            string             `json:"id"`
	Type          EventType          `json:"type"`
	Timestamp     time.Time          `json:"timestamp"`
	TenantID      string             `json:"tenantId"`
	TaskID        string             `json:"taskId"`
	StageID       string             `json:"stageId"`
	StageType     types.StageType    `json:"stageType"`
	Status        types.StageStatus  `json:"status"`
	CorrelationID string             `json:"correlationId,omitempty"`
	Artifacts     []string           `json:"artifacts,omitempty"`
	Signals       types.StageSignals `json:"signals"`
	Metrics       types.StageMetrics `json:"metrics"`
	Message       string             `json:"message,omitempty"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event without blocking
func (b *Broker) Publish(event *Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}

	select {
	case b.eventCh <- event:
		return nil
	default:
		metrics.EventsDropped.Inc()
		return ErrBufferFull
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Slow subscriber
			metrics.EventsDropped.Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
