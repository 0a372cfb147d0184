package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// failingStore answers every call with err.
type failingStore struct {
	err   error
	calls int
}

func (f *failingStore) Create(context.Context, Draft) (Task, error) { f.calls++; return Task{}, f.err }
func (f *failingStore) Get(context.Context, int64) (Task, error)    { f.calls++; return Task{}, f.err }
func (f *failingStore) List(context.Context) ([]Task, error)         { f.calls++; return nil, f.err }
func (f *failingStore) Update(context.Context, int64, Draft) (Task, error) {
	f.calls++
	return Task{}, f.err
}
func (f *failingStore) Delete(context.Context, int64) error { f.calls++; return f.err }

func newTestService(opts ...Option) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	opts = append([]Option{WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))}, opts...)
	return NewService(store, opts...), store
}

func statusPtr(s string) *string { return &s }

func seed(t *testing.T, store Store, title, status string) Task {
	t.Helper()
	task, err := store.Create(context.Background(), Draft{Title: Set(title), Status: Set(status)})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return task
}

func TestService_CreateWritesNullsForUnsetFields(t *testing.T) {
	svc, _ := newTestService()

	got, err := svc.CreateTask(context.Background(), Draft{Title: Set("Buy milk")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID == 0 || *got.Title != "Buy milk" {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.CreateDate != nil {
		t.Errorf("create_date must stay null unless supplied, got %v", got.CreateDate)
	}
	if got.Status != nil {
		t.Errorf("status must stay null unless supplied, got %q", *got.Status)
	}
}

func TestService_CreateWithStoreDefaults(t *testing.T) {
	svc, _ := newTestService(WithStoreDefaults())

	got, err := svc.CreateTask(context.Background(), Draft{Title: Set("Buy milk")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.CreateDate == nil || time.Since(*got.CreateDate) > time.Minute {
		t.Errorf("expected create_date defaulted to now, got %v", got.CreateDate)
	}
	if got.Status == nil || *got.Status != StatusWaiting {
		t.Errorf("expected default status, got %v", got.Status)
	}

	// explicit null still wins over the default
	got, _ = svc.CreateTask(context.Background(), Draft{Status: Null[string]()})
	if got.Status != nil {
		t.Errorf("explicit null status must be kept, got %q", *got.Status)
	}
}

func TestService_CreateKeepsSuppliedValues(t *testing.T) {
	svc, _ := newTestService()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	got, err := svc.CreateTask(context.Background(), Draft{
		Title:      Set("t"),
		Status:     Set(StatusWorking),
		CreateDate: Set(created),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if *got.Status != StatusWorking || !got.CreateDate.Equal(created) || got.DoneDate != nil {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestService_ListFilters(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	w := seed(t, store, "w", StatusWaiting)
	k := seed(t, store, "k", StatusWorking)
	d := seed(t, store, "d", StatusDone)
	x := seed(t, store, "x", "archived")
	n, _ := store.Create(ctx, Draft{Title: Set("n"), Status: Null[string]()})

	cases := []struct {
		name   string
		filter *string
		want   []int64
	}{
		{"all", statusPtr(FilterAll), []int64{w.ID, k.ID, d.ID, x.ID, n.ID}},
		{"waiting", statusPtr(StatusWaiting), []int64{w.ID}},
		{"working", statusPtr(StatusWorking), []int64{k.ID}},
		{"done", statusPtr(StatusDone), []int64{d.ID}},
		{"absent filter matches only null status", nil, []int64{n.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.ListTasks(ctx, tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d tasks, got %+v", len(tc.want), got)
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Fatalf("position %d: expected id %d, got %d", i, id, got[i].ID)
				}
			}
		})
	}
}

func TestService_ListAbsentFilterWithDefaults(t *testing.T) {
	svc, store := newTestService()
	seed(t, store, "a", StatusWaiting)
	seed(t, store, "b", StatusDone)

	got, err := svc.ListTasks(context.Background(), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("absent filter must not match tasks with a status, got %+v", got)
	}
}

func TestService_UpdateTruthySkip(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()
	orig := seed(t, store, "keep me", StatusWorking)
	done := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if _, err := store.Update(ctx, orig.ID, Draft{DoneDate: Set(done)}); err != nil {
		t.Fatalf("seed done_date: %v", err)
	}

	got, err := svc.UpdateTask(ctx, orig.ID, Draft{
		Title:    Set(""),
		Status:   Null[string](),
		DoneDate: Null[time.Time](),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if *got.Title != "keep me" || *got.Status != StatusWorking || got.DoneDate == nil {
		t.Fatalf("falsy values must be ignored, got %+v", got)
	}

	got, err = svc.UpdateTask(ctx, orig.ID, Draft{Title: Set("X")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if *got.Title != "X" || *got.Status != StatusWorking {
		t.Fatalf("expected only title to change, got %+v", got)
	}
}

func TestService_UpdateDoesNotSetDoneDate(t *testing.T) {
	svc, store := newTestService()
	orig := seed(t, store, "t", StatusWorking)

	got, err := svc.UpdateTask(context.Background(), orig.ID, Draft{Status: Set(StatusDone)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if *got.Status != StatusDone {
		t.Fatalf("expected status done, got %q", *got.Status)
	}
	if got.DoneDate != nil {
		t.Fatalf("done_date must not be set on transition, got %v", got.DoneDate)
	}
}

func TestService_UpdatePresentPolicyClears(t *testing.T) {
	svc, store := newTestService(WithMergePolicy(MergePresent))
	orig := seed(t, store, "title", StatusWorking)

	got, err := svc.UpdateTask(context.Background(), orig.ID, Draft{Title: Set(""), Status: Null[string]()})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title == nil || *got.Title != "" {
		t.Fatalf("expected empty title, got %v", got.Title)
	}
	if got.Status != nil {
		t.Fatalf("expected status cleared, got %q", *got.Status)
	}
}

func TestService_NotFound(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	if _, err := svc.GetTask(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.UpdateTask(ctx, 1, Draft{Title: Set("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update: expected ErrNotFound, got %v", err)
	}
	if err := svc.DeleteTask(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete: expected ErrNotFound, got %v", err)
	}
	if list, _ := store.List(ctx); len(list) != 0 {
		t.Fatalf("not-found update must not mutate, got %+v", list)
	}
}

func TestService_StoreFailuresPropagate(t *testing.T) {
	boom := &StoreError{Op: "list", Err: errors.New("connection refused")}
	fs := &failingStore{err: boom}
	svc := NewService(fs, WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	ctx := context.Background()

	before := testutil.ToFloat64(operationsTotal.WithLabelValues("list", "error"))

	if _, err := svc.ListTasks(ctx, statusPtr(FilterAll)); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("list: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := svc.CreateTask(ctx, Draft{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("create: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := svc.GetTask(ctx, 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("get: expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := svc.UpdateTask(ctx, 1, Draft{}); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("update: expected ErrStoreUnavailable, got %v", err)
	}
	if err := svc.DeleteTask(ctx, 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("delete: expected ErrStoreUnavailable, got %v", err)
	}
	if fs.calls != 5 {
		t.Fatalf("expected exactly one store call per operation, got %d", fs.calls)
	}

	after := testutil.ToFloat64(operationsTotal.WithLabelValues("list", "error"))
	if after-before != 1 {
		t.Fatalf("expected list error counter to grow by 1, got %v", after-before)
	}
}

type requestIDKey struct{}

// requestIDHandler copies a request id from the context onto every record.
type requestIDHandler struct{ slog.Handler }

func (h requestIDHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		r.AddAttrs(slog.String("req_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h requestIDHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestIDHandler{h.Handler.WithAttrs(attrs)}
}

func (h requestIDHandler) WithGroup(name string) slog.Handler {
	return requestIDHandler{h.Handler.WithGroup(name)}
}

func TestService_StoreErrorLogCarriesRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(requestIDHandler{slog.NewJSONHandler(&buf, nil)})
	svc := NewService(&failingStore{err: &StoreError{Op: "get", Err: errors.New("down")}}, WithLogger(logger))

	ctx := context.WithValue(context.Background(), requestIDKey{}, "req-9")
	if _, err := svc.GetTask(ctx, 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "task_store_error" || entry["op"] != "get" || entry["req_id"] != "req-9" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestService_IDsUniqueAndIncreasing(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	var last int64
	for i := 0; i < 20; i++ {
		got, err := svc.CreateTask(ctx, Draft{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if got.ID <= last {
			t.Fatalf("ids not increasing: %d after %d", got.ID, last)
		}
		last = got.ID
	}
	all, _ := svc.ListTasks(ctx, statusPtr(FilterAll))
	if len(all) != 20 {
		t.Fatalf("expected 20 tasks, got %d", len(all))
	}
}

func TestService_Scenario(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	created, err := svc.CreateTask(ctx, Draft{Title: Set("Buy milk")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 1 {
		t.Fatalf("expected id 1, got %d", created.ID)
	}

	if _, err := svc.UpdateTask(ctx, created.ID, Draft{Status: Set(StatusDone)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := svc.GetTask(ctx, created.ID)
	if err != nil || *got.Status != StatusDone {
		t.Fatalf("expected status done, got %+v (err=%v)", got, err)
	}

	done, _ := svc.ListTasks(ctx, statusPtr(StatusDone))
	if len(done) != 1 || done[0].ID != created.ID {
		t.Fatalf("expected task in done list, got %+v", done)
	}
	waiting, _ := svc.ListTasks(ctx, statusPtr(StatusWaiting))
	if len(waiting) != 0 {
		t.Fatalf("expected empty waiting list, got %+v", waiting)
	}

	if err := svc.DeleteTask(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetTask(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestParseMergePolicy(t *testing.T) {
	for in, want := range map[string]MergePolicy{"": MergeTruthy, "truthy": MergeTruthy, "present": MergePresent} {
		got, err := ParseMergePolicy(in)
		if err != nil || got != want {
			t.Errorf("%q: expected %v, got %v (err=%v)", in, want, got, err)
		}
	}
	if _, err := ParseMergePolicy("sometimes"); err == nil {
		t.Errorf("expected error for unknown policy")
	}
}
