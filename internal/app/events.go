package app

import (
	"context"
	"strings"
	"time"

	"taskforge/internal/eventbus"
	"taskforge/internal/storage"
	"taskforge/internal/task/scheduler"
	logx "taskforge/pkg/logx"
)

const (
	EventLogAlert = "log.alert"
	runWriteLimit = 2 * time.Second
)

// busAlertSink forwards log alerts to the event bus. It is installed after
// the bus exists; the logging service drops alerts until then.
func busAlertSink(bus eventbus.Bus) logx.AlertSink {
	return logx.AlertFunc(func(_ context.Context, a logx.Alert) error {
		bus.Publish(eventbus.Event{Type: EventLogAlert, Time: a.Time, Data: a})
		return nil
	})
}

// consumeEvents feeds the exporter and the run history from the bus.
func (a *App) consumeEvents(ctx context.Context) {
	events, unsub := a.bus.SubscribePrefix(512, "task.", "log.")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if a.exporter != nil {
				a.exporter.CountEvent(e.Type)
			}
			if strings.HasPrefix(e.Type, "task.") {
				a.recordRun(ctx, e)
			}
		}
	}
}

func (a *App) recordRun(ctx context.Context, e eventbus.Event) {
	if a.store == nil {
		return
	}
	ev, ok := e.Data.(scheduler.TaskEvent)
	if !ok {
		return
	}
	var outcome string
	switch ev.Type {
	case scheduler.EventCompleted:
		outcome = "success"
	case scheduler.EventFailed:
		outcome = "failed"
	case scheduler.EventRetry:
		outcome = "retry"
	default:
		return
	}
	wctx, cancel := context.WithTimeout(ctx, runWriteLimit)
	defer cancel()
	err := a.store.AppendRun(wctx, storage.RunRecord{
		At:         e.Time,
		TaskID:     ev.ID,
		Name:       ev.Name,
		ResourceID: ev.ResourceID,
		Outcome:    outcome,
		Error:      ev.Error,
		Attempt:    ev.Attempt,
		TookMS:     ev.Took.Milliseconds(),
	})
	if err != nil && ctx.Err() == nil {
		a.log.Warn("run history write failed", logx.String("task", ev.Name), logx.Err(err))
	}
}
