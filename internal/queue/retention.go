package queue

import (
	"context"
	"time"
)

func (m *Manager) sweeper(ctx context.Context) {
	interval := m.cfg.Retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx, m.now()); n > 0 {
				m.logger.Info("expired finished jobs", "count", n)
			}
		}
	}
}

// Sweep forgets finished jobs older than the retention window and removes
// everything they left on disk and in the mirror. It returns how many jobs
// were removed.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	if m.cfg.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.Retention)

	m.mu.Lock()
	var expired []string
	for id, e := range m.jobs {
		if !e.rec.Terminal() || e.rec.FinishedAt == nil || e.rec.FinishedAt.After(cutoff) {
			continue
		}
		if len(m.subscribers[id]) > 0 {
			continue
		}
		expired = append(expired, id)
		delete(m.jobs, id)
		delete(m.events, id)
		delete(m.nextEventSeq, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.forgetAnalysis(id)
		if err := m.artifacts.Delete(ctx, id); err != nil {
			m.logger.Warn("delete expired artifact", "job_id", id, "error", err)
		}
		if err := m.store.Remove(id); err != nil {
			m.logger.Warn("delete expired job", "job_id", id, "error", err)
		}
	}
	return len(expired)
}
