package tasks

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store persists tasks. Absent draft fields take the store defaults on
// Create (create_date = now UTC, status = waiting) and are left untouched on
// Update. Every call is a single unit of work.
type Store interface {
	Create(ctx context.Context, d Draft) (Task, error)
	Get(ctx context.Context, id int64) (Task, error)
	List(ctx context.Context) ([]Task, error)
	Update(ctx context.Context, id int64, d Draft) (Task, error)
	Delete(ctx context.Context, id int64) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

// MemoryStore keeps tasks in process memory. Used by tests and STORE=memory.
type MemoryStore struct {
	mu    sync.Mutex
	seq   int64
	store map[int64]Task
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store: make(map[int64]Task),
		now:   time.Now,
	}
}

func (r *MemoryStore) Create(ctx context.Context, d Draft) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, storeErr("create", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	t := Task{ID: r.seq}
	if !d.CreateDate.Present {
		now := r.now().UTC()
		t.CreateDate = &now
	}
	if !d.Status.Present {
		t.Status = strPtr(StatusWaiting)
	}
	d.apply(&t)

	r.store[t.ID] = t
	return t.clone(), nil
}

func (r *MemoryStore) Get(ctx context.Context, id int64) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, storeErr("get", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.store[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.clone(), nil
}

func (r *MemoryStore) List(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Task, 0, len(r.store))
	for _, t := range r.store {
		out = append(out, t.clone())
	}
	slices.SortFunc(out, func(a, b Task) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (r *MemoryStore) Update(ctx context.Context, id int64, d Draft) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, storeErr("update", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.store[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	t = t.clone()
	d.apply(&t)
	r.store[id] = t
	return t.clone(), nil
}

func (r *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return storeErr("delete", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.store[id]; !ok {
		return ErrNotFound
	}
	delete(r.store, id)
	return nil
}
