package queue

import (
	"context"
	"time"

	"github.com/mblsha/appforge/internal/job"
)

// Notifier receives job lifecycle events (not log lines).
type Notifier interface {
	Publish(ctx context.Context, ev job.Event) error
}

// Subscribe returns the events after since and, for live jobs, a channel of
// further events. The channel is closed by cancel. Terminal events are
// always delivered even to slow subscribers.
func (m *Manager) Subscribe(jobID string, since int64) ([]job.Event, <-chan job.Event, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return nil, nil, nil, false
	}

	backlog := m.eventsSinceLocked(jobID, since)
	if e.rec.Terminal() {
		return backlog, nil, func() {}, true
	}

	buf := m.subscriberBuf
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan job.Event, buf)
	if m.subscribers[jobID] == nil {
		m.subscribers[jobID] = map[chan job.Event]struct{}{}
	}
	m.subscribers[jobID][ch] = struct{}{}
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[jobID]
		if subs == nil {
			return
		}
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, jobID)
		}
	}
	return backlog, ch, cancel, true
}

// Done returns a channel closed once the job reaches a terminal state.
func (m *Manager) Done(jobID string) (<-chan struct{}, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}
	return e.done, true
}

func (m *Manager) eventsSinceLocked(jobID string, since int64) []job.Event {
	src := m.events[jobID]
	out := make([]job.Event, 0, len(src))
	for _, ev := range src {
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out
}

func (m *Manager) emitEventLocked(rec *job.Record, eventType, line string) {
	seq := m.nextEventSeq[rec.ID] + 1
	m.nextEventSeq[rec.ID] = seq

	var exitCode *int
	if rec.ExitCode != nil {
		ec := *rec.ExitCode
		exitCode = &ec
	}
	ev := job.Event{
		Seq:      seq,
		JobID:    rec.ID,
		Type:     eventType,
		State:    rec.State,
		Reason:   rec.Reason,
		Line:     line,
		ExitCode: exitCode,
		At:       m.now().UTC(),
	}
	if eventType != job.EventLog {
		ev.Message = rec.Message
		ev.Error = rec.Error
	}

	list := append(m.events[rec.ID], ev)
	if len(list) > m.maxEventsPerJob {
		list = list[len(list)-m.maxEventsPerJob:]
	}
	m.events[rec.ID] = list

	for ch := range m.subscribers[rec.ID] {
		publishEvent(ch, ev)
	}
	if eventType != job.EventLog && m.notifier != nil {
		select {
		case m.notifications <- ev:
		default:
			m.logger.Warn("notification dropped", "job_id", rec.ID, "event", eventType)
		}
	}
}

// closeSubscribersLocked ends every stream of a finished job.
func (m *Manager) closeSubscribersLocked(jobID string) {
	for ch := range m.subscribers[jobID] {
		close(ch)
	}
	delete(m.subscribers, jobID)
}

func publishEvent(ch chan job.Event, ev job.Event) {
	select {
	case ch <- ev:
		return
	default:
	}

	if !ev.Terminal() {
		return
	}

	// Make room for the terminal event by evicting the oldest queued one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// forwardNotifications hands lifecycle events to the notifier until ctx ends.
func (m *Manager) forwardNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.notifications:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := m.notifier.Publish(pctx, ev); err != nil {
				m.logger.Warn("publish job event failed", "job_id", ev.JobID, "event", ev.Type, "error", err)
			}
			cancel()
		}
	}
}
