package scheduler

import (
	"sort"
	"time"

	"testhub/internal/domain"
)

// Wait describes an active task that is not due yet.
type Wait struct {
	Task    domain.ScheduledTask
	Seconds int64
}

// Selection is the outcome of one pass of the due-task selector.
type Selection struct {
	Due     []domain.ScheduledTask
	Waiting []Wait
}

// Select partitions tasks into those due at now and those still waiting.
// Due tasks are ordered by next_run_time, then id. Only ACTIVE tasks can be
// due; a not-due task is reported as waiting only when its next run lies
// strictly in the future, with the wait truncated to whole seconds.
func Select(now time.Time, tasks []domain.ScheduledTask) Selection {
	var sel Selection
	for _, t := range tasks {
		if t.Status != domain.TaskActive {
			continue
		}
		if t.ShouldRunNow(now) {
			sel.Due = append(sel.Due, t)
			continue
		}
		if t.NextRunTime == nil {
			continue
		}
		if diff := t.NextRunTime.Sub(now); diff > 0 {
			sel.Waiting = append(sel.Waiting, Wait{Task: t, Seconds: int64(diff / time.Second)})
		}
	}
	sort.SliceStable(sel.Due, func(i, j int) bool {
		a, b := sel.Due[i], sel.Due[j]
		if !a.NextRunTime.Equal(*b.NextRunTime) {
			return a.NextRunTime.Before(*b.NextRunTime)
		}
		return a.ID < b.ID
	})
	return sel
}
