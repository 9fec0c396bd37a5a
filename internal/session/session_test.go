package session_test

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/session"
	"github.com/MrWong99/earshot/pkg/clock/clocktest"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestSessionID(t *testing.T) {
	t.Parallel()

	a, b := session.New(), session.New()
	if _, err := uuid.Parse(a.ID()); err != nil {
		t.Errorf("ID() = %q, not a UUID: %v", a.ID(), err)
	}
	if a.ID() == b.ID() {
		t.Error("two sessions share an ID")
	}
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	clk := clocktest.New(t0)
	s := session.New(session.WithClock(clk))

	var seen []session.TaskStatus
	s.OnTask(func(tk session.Task) { seen = append(seen, tk.Status) })

	tk := s.CreateTask("reply", map[string]string{"turn": "1"})
	if tk.Status != session.TaskPending || !tk.CreatedAt.Equal(t0) {
		t.Fatalf("CreateTask = %+v, want pending at t0", tk)
	}
	clk.Advance(time.Second)
	if got, ok := s.StartTask(tk.ID, "thinking"); !ok || got.Status != session.TaskProcessing || !got.StartedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("StartTask = %+v, %v", got, ok)
	}
	if got, _ := s.UpdateProgress(tk.ID, 150, ""); got.Progress != 100 || got.Message != "thinking" {
		t.Errorf("UpdateProgress(150) = %+v, want progress 100, message kept", got)
	}
	if got, _ := s.UpdateProgress(tk.ID, -3, "again"); got.Progress != 0 || got.Message != "again" {
		t.Errorf("UpdateProgress(-3) = %+v, want progress 0", got)
	}
	clk.Advance(time.Second)
	got, ok := s.CompleteTask(tk.ID, "done")
	if !ok || !got.Done() || got.Progress != 100 || !got.CompletedAt.Equal(t0.Add(2*time.Second)) {
		t.Errorf("CompleteTask = %+v, %v", got, ok)
	}

	want := []session.TaskStatus{session.TaskPending, session.TaskProcessing, session.TaskProcessing, session.TaskProcessing, session.TaskCompleted}
	if !slices.Equal(seen, want) {
		t.Errorf("task events = %v, want %v", seen, want)
	}

	if _, ok := s.StartTask("missing", ""); ok {
		t.Error("StartTask(missing) = ok")
	}
}

func TestTaskMetadataIsCopied(t *testing.T) {
	t.Parallel()

	s := session.New()
	md := map[string]string{"k": "v"}
	tk := s.CreateTask("x", md)
	md["k"] = "changed"
	tk.Metadata["k"] = "also changed"

	got, _ := s.Task(tk.ID)
	if got.Metadata["k"] != "v" {
		t.Errorf("stored metadata = %v, want k=v", got.Metadata)
	}
}

func TestTaskEviction(t *testing.T) {
	t.Parallel()

	s := session.New(session.WithMaxTasks(3))
	a := s.CreateTask("a", nil)
	b := s.CreateTask("b", nil)
	s.CreateTask("c", nil)
	s.CompleteTask(b.ID, "")

	s.CreateTask("d", nil) // evicts b, the oldest completed
	if _, ok := s.Task(b.ID); ok {
		t.Error("completed task b not evicted")
	}
	if _, ok := s.Task(a.ID); !ok {
		t.Error("pending task a evicted before completed b")
	}

	s.CreateTask("e", nil) // nothing completed: evicts a, the oldest
	if _, ok := s.Task(a.ID); ok {
		t.Error("oldest task a not evicted")
	}

	var names []string
	for _, tk := range s.Tasks("", 0) {
		names = append(names, tk.Name)
	}
	if want := []string{"e", "d", "c"}; !slices.Equal(names, want) {
		t.Errorf("Tasks() = %v, want %v", names, want)
	}
}

func TestTaskQueries(t *testing.T) {
	t.Parallel()

	s := session.New()
	var ids []string
	for i := range 5 {
		ids = append(ids, s.CreateTask(fmt.Sprint(i), nil).ID)
	}
	s.StartTask(ids[1], "")
	s.CompleteTask(ids[2], "")
	s.FailTask(ids[3], "boom")

	if got := s.Tasks("", 2); len(got) != 2 || got[0].Name != "4" {
		t.Errorf("Tasks(limit 2) = %+v", got)
	}
	if got := s.Tasks(session.TaskProcessing, 0); len(got) != 1 || got[0].ID != ids[1] {
		t.Errorf("Tasks(processing) = %+v", got)
	}
	want := session.TaskStats{Total: 5, Pending: 2, Processing: 1, Completed: 1, Failed: 1}
	if got := s.TaskStats(); got != want {
		t.Errorf("TaskStats() = %+v, want %+v", got, want)
	}
	s.ClearCompleted()
	if got := s.TaskStats().Total; got != 4 {
		t.Errorf("Total after ClearCompleted = %d, want 4", got)
	}
}

func TestErrorQueue(t *testing.T) {
	t.Parallel()

	s := session.New(session.WithMaxErrors(2))
	var published int
	s.OnError(func(session.ErrorEntry) { published++ })

	for i := range 3 {
		s.ReportError("reply", fmt.Errorf("err %d", i))
	}
	errs := s.Errors()
	if len(errs) != 2 || errs[0].Err.Error() != "err 1" {
		t.Fatalf("Errors() = %+v, want err 1 and err 2", errs)
	}
	if published != 3 {
		t.Errorf("published = %d, want 3", published)
	}
	if got := s.DrainErrors(); len(got) != 2 {
		t.Errorf("DrainErrors() = %d entries, want 2", len(got))
	}
	if got := s.Errors(); len(got) != 0 {
		t.Errorf("Errors() after drain = %d entries, want 0", len(got))
	}
}

func TestFailRunsResetters(t *testing.T) {
	t.Parallel()

	s := session.New()
	var order []string
	s.AddResetter("machine", func() { order = append(order, "machine") })
	remove := s.AddResetter("dictation", func() { order = append(order, "dictation") })
	s.AddResetter("interrupt", func() { order = append(order, "interrupt") })

	boom := errors.New("pipeline down")
	s.Fail("reply", boom)
	if want := []string{"machine", "dictation", "interrupt"}; !slices.Equal(order, want) {
		t.Errorf("resetters = %v, want %v", order, want)
	}
	if errs := s.Errors(); len(errs) != 1 || !errors.Is(errs[0].Err, boom) {
		t.Errorf("Errors() = %+v, want the failure", errs)
	}

	remove()
	remove()
	order = nil
	s.Reset()
	if want := []string{"machine", "interrupt"}; !slices.Equal(order, want) {
		t.Errorf("resetters after remove = %v, want %v", order, want)
	}
}
