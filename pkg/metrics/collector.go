package metrics

import (
	"time"

	"github.com/cuemby/scanplane/pkg/log"
	"github.com/cuemby/scanplane/pkg/storage"
	"github.com/cuemby/scanplane/pkg/types"
)

// SessionCounter reports how many executors hold an open channel
type SessionCounter interface {
	Len() int
}

// Collector periodically refreshes the inventory gauges from the store
type Collector struct {
	store    storage.Store
	sessions SessionCounter
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. sessions may be nil.
func NewCollector(store storage.Store, sessions SessionCounter) *Collector {
	return &Collector{
		store:    store,
		sessions: sessions,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	c.collectExecutorMetrics()
	c.collectTaskMetrics()
	c.collectStageMetrics()

	if c.sessions != nil {
		SessionsConnected.Set(float64(c.sessions.Len()))
	}
}

func (c *Collector) collectExecutorMetrics() {
	executors, err := c.store.ListExecutors()
	if err != nil {
		log.Logger.Debug().Err(err).Msg("metrics: list executors")
		return
	}

	counts := map[types.ExecutorStatus]int{
		types.ExecutorStatusRegistered: 0,
		types.ExecutorStatusReady:      0,
		types.ExecutorStatusBusy:       0,
		types.ExecutorStatusDraining:   0,
		types.ExecutorStatusOffline:    0,
	}
	for _, executor := range executors {
		counts[executor.Status]++
	}
	for status, count := range counts {
		ExecutorsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectTaskMetrics() {
	tasks, err := c.store.ListTasks()
	if err != nil {
		log.Logger.Debug().Err(err).Msg("metrics: list tasks")
		return
	}

	counts := map[types.TaskStatus]int{
		types.TaskStatusPending:   0,
		types.TaskStatusRunning:   0,
		types.TaskStatusSucceeded: 0,
		types.TaskStatusFailed:    0,
		types.TaskStatusCanceled:  0,
	}
	for _, task := range tasks {
		if task.Deleted() {
			continue
		}
		counts[task.Status]++
	}
	for status, count := range counts {
		TasksTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectStageMetrics() {
	running, err := c.store.ListStagesByStatus(types.StageStatusRunning)
	if err != nil {
		return
	}
	StagesRunning.Set(float64(len(running)))
}
