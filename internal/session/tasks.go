package session

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle phase of a [Task].
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Task tracks one unit of reply work, typically one conversation turn.
type Task struct {
	ID       string
	Name     string
	Status   TaskStatus
	Progress int // 0-100
	Message  string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Metadata map[string]string
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// TaskStats counts tracked tasks per status.
type TaskStats struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// CreateTask adds a pending task. When the tracker is full the oldest
// completed task is evicted, or the oldest task when none has completed.
func (s *Session) CreateTask(name string, metadata map[string]string) Task {
	t := &Task{
		ID:        uuid.NewString()[:8],
		Name:      name,
		Status:    TaskPending,
		Message:   "created",
		CreatedAt: s.clk.Now(),
		Metadata:  maps.Clone(metadata),
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	for len(s.tasks) > s.maxTasks {
		i := slices.IndexFunc(s.tasks, func(t *Task) bool { return t.Status == TaskCompleted })
		if i < 0 {
			i = 0
		}
		s.tasks = slices.Delete(s.tasks, i, i+1)
	}
	snap := t.snapshot()
	s.mu.Unlock()

	s.taskBus.Publish(snap)
	return snap
}

// StartTask moves a task to processing.
func (s *Session) StartTask(id, message string) (Task, bool) {
	return s.updateTask(id, func(t *Task, now time.Time) {
		t.Status = TaskProcessing
		t.StartedAt = now
		t.Message = message
	})
}

// UpdateProgress sets the progress, clamped to 0-100. An empty message
// keeps the previous one.
func (s *Session) UpdateProgress(id string, progress int, message string) (Task, bool) {
	return s.updateTask(id, func(t *Task, _ time.Time) {
		t.Progress = max(0, min(100, progress))
		if message != "" {
			t.Message = message
		}
	})
}

// CompleteTask marks a task completed at 100%.
func (s *Session) CompleteTask(id, message string) (Task, bool) {
	return s.updateTask(id, func(t *Task, now time.Time) {
		t.Status = TaskCompleted
		t.Progress = 100
		t.CompletedAt = now
		t.Message = message
	})
}

// FailTask marks a task failed.
func (s *Session) FailTask(id, message string) (Task, bool) {
	return s.updateTask(id, func(t *Task, now time.Time) {
		t.Status = TaskFailed
		t.CompletedAt = now
		t.Message = message
	})
}

// Task returns the task with id.
func (s *Session) Task(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.findLocked(id); t != nil {
		return t.snapshot(), true
	}
	return Task{}, false
}

// Tasks returns up to limit tasks, newest first. limit <= 0 returns all.
// A non-empty status filters the result.
func (s *Session) Tasks(status TaskStatus, limit int) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range slices.Backward(s.tasks) {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.snapshot())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// TaskStats returns per-status counts.
func (s *Session) TaskStats() TaskStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := TaskStats{Total: len(s.tasks)}
	for _, t := range s.tasks {
		switch t.Status {
		case TaskPending:
			st.Pending++
		case TaskProcessing:
			st.Processing++
		case TaskCompleted:
			st.Completed++
		case TaskFailed:
			st.Failed++
		}
	}
	return st
}

// ClearCompleted drops completed tasks.
func (s *Session) ClearCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = slices.DeleteFunc(s.tasks, func(t *Task) bool { return t.Status == TaskCompleted })
}

func (s *Session) updateTask(id string, fn func(*Task, time.Time)) (Task, bool) {
	now := s.clk.Now()
	s.mu.Lock()
	t := s.findLocked(id)
	if t == nil {
		s.mu.Unlock()
		return Task{}, false
	}
	fn(t, now)
	snap := t.snapshot()
	s.mu.Unlock()

	s.taskBus.Publish(snap)
	return snap, true
}

func (s *Session) findLocked(id string) *Task {
	for _, t := range s.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (t *Task) snapshot() Task {
	c := *t
	c.Metadata = maps.Clone(t.Metadata)
	return c
}
