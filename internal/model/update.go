package model

import "time"

// TaskUpdate is one delta on a subscriber's watch-tasks stream.
//
// Completion is signalled by omission: a task that was previously present in
// StatsUpdate and is absent from every later update has completed. No
// explicit removed list is sent.
type TaskUpdate struct {
	NewTasks    []Task           `json:"new_tasks,omitempty"`
	NewMetadata []Metadata       `json:"new_metadata,omitempty"`
	StatsUpdate map[TaskID]Stats `json:"stats_update,omitempty"`
	Now         time.Time        `json:"now"`
}

// Empty reports whether the update carries no information beyond its
// timestamp. Empty updates are not emitted.
func (u *TaskUpdate) Empty() bool {
	return len(u.NewTasks) == 0 && len(u.NewMetadata) == 0 && len(u.StatsUpdate) == 0
}

// TaskDetails is one delta on a details stream for a single watched task.
// PollTimesHistogram holds the versioned binary log-bucket encoding and is
// absent when the histogram has not changed since the previous send; the
// advancing Now still lets consumers recompute elapsed-time-derived values.
type TaskDetails struct {
	TaskID             TaskID    `json:"task_id"`
	Now                time.Time `json:"now"`
	PollTimesHistogram []byte    `json:"poll_times_histogram,omitempty"`
}
