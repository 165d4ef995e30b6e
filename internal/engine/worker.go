package engine

import (
	"context"
	"log"
	"time"
)

// Worker drains the task queue one task at a time.
type Worker struct {
	Engine   Engine
	Interval time.Duration
	Logger   *log.Logger
}

func (w Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run polls the queue until ctx is cancelled. An empty queue waits Interval
// before the next poll.
func (w Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = w.Engine.Config.Queue.PollInterval
	}
	w.logger().Printf("[worker] polling every %s", interval)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		t, ok, err := w.Engine.RunNext(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger().Printf("[worker] task %s: %v", t.ID, err)
		}
		if ok && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
