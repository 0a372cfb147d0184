package tasks

import "time"

const (
	StatusWaiting = "waiting"
	StatusWorking = "working"
	StatusDone    = "done"

	// FilterAll disables status filtering in ListTasks.
	FilterAll = "all"
)

// Task is the persisted entity. Every field except ID may be null.
type Task struct {
	ID         int64      `json:"id"`
	Title      *string    `json:"title"`
	CreateDate *time.Time `json:"create_date"`
	DoneDate   *time.Time `json:"done_date"`
	Status     *string    `json:"status"`
}

// Field is one entry of a partial record. The zero value is absent.
type Field[T any] struct {
	Present bool
	Valid   bool
	Value   T
}

func Absent[T any]() Field[T] { return Field[T]{} }

func Null[T any]() Field[T] { return Field[T]{Present: true} }

func Set[T any](v T) Field[T] { return Field[T]{Present: true, Valid: true, Value: v} }

// Ptr returns the value as a pointer, nil when absent or null.
func (f Field[T]) Ptr() *T {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// Draft is a partial task record. Fields left absent are not written at all,
// which is different from writing them as null.
type Draft struct {
	Title      Field[string]
	CreateDate Field[time.Time]
	DoneDate   Field[time.Time]
	Status     Field[string]
}

// Empty reports whether no field is present.
func (d Draft) Empty() bool {
	return !d.Title.Present && !d.CreateDate.Present && !d.DoneDate.Present && !d.Status.Present
}

// apply overwrites the fields of t that are present in d.
func (d Draft) apply(t *Task) {
	if d.Title.Present {
		t.Title = d.Title.Ptr()
	}
	if d.CreateDate.Present {
		t.CreateDate = utcPtr(d.CreateDate.Ptr())
	}
	if d.DoneDate.Present {
		t.DoneDate = utcPtr(d.DoneDate.Ptr())
	}
	if d.Status.Present {
		t.Status = d.Status.Ptr()
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func strPtr(s string) *string { return &s }

func (t Task) clone() Task {
	out := Task{ID: t.ID}
	if t.Title != nil {
		out.Title = strPtr(*t.Title)
	}
	if t.Status != nil {
		out.Status = strPtr(*t.Status)
	}
	out.CreateDate = utcPtr(t.CreateDate)
	out.DoneDate = utcPtr(t.DoneDate)
	return out
}
