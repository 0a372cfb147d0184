package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MergePolicy decides which fields of an update request reach the store.
type MergePolicy int

const (
	// MergeTruthy writes only non-empty strings and non-null timestamps.
	// Null, "" and absent fields all leave the stored value alone, so a field
	// can never be cleared through UpdateTask.
	MergeTruthy MergePolicy = iota
	// MergePresent writes every present field; an explicit null clears it.
	MergePresent
)

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch s {
	case "", "truthy":
		return MergeTruthy, nil
	case "present":
		return MergePresent, nil
	}
	return 0, fmt.Errorf("unknown merge policy %q", s)
}

var operationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tasks_operations_total",
		Help: "Task service operations by outcome",
	},
	[]string{"operation", "outcome"},
)

func init() {
	prometheus.MustRegister(operationsTotal)
}

// Service holds the task rules on top of a Store. It keeps no state besides
// its configuration.
type Service struct {
	store         Store
	logger        *slog.Logger
	tracer        trace.Tracer
	storeDefaults bool
	merge         MergePolicy
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithStoreDefaults makes CreateTask leave unset fields out of the insert, so
// the store fills create_date and status. Without it they are written as null.
func WithStoreDefaults() Option {
	return func(s *Service) { s.storeDefaults = true }
}

func WithMergePolicy(p MergePolicy) Option {
	return func(s *Service) { s.merge = p }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer("tasks"),
		merge:  MergeTruthy,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ListTasks returns the tasks whose status equals *status. FilterAll returns
// every task. A nil status is compared like any other value and therefore
// selects only tasks that have no status.
func (s *Service) ListTasks(ctx context.Context, status *string) ([]Task, error) {
	ctx, span := s.tracer.Start(ctx, "tasks.ListTasks")
	defer span.End()
	if status != nil {
		span.SetAttributes(attribute.String("task.status_filter", *status))
	}

	all, err := s.store.List(ctx)
	if err != nil {
		return nil, s.fail(ctx, "list", err)
	}
	s.done("list", "ok")

	if status != nil && *status == FilterAll {
		return all, nil
	}
	out := make([]Task, 0, len(all))
	for _, t := range all {
		if sameStatus(t.Status, status) {
			out = append(out, t)
		}
	}
	return out, nil
}

func sameStatus(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Service) GetTask(ctx context.Context, id int64) (Task, error) {
	ctx, span := s.tracer.Start(ctx, "tasks.GetTask", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return Task{}, s.fail(ctx, "get", err)
	}
	s.done("get", "ok")
	return t, nil
}

// CreateTask stores a new task built from d.
func (s *Service) CreateTask(ctx context.Context, d Draft) (Task, error) {
	ctx, span := s.tracer.Start(ctx, "tasks.CreateTask")
	defer span.End()

	if !s.storeDefaults {
		d = withExplicitNulls(d)
	}
	t, err := s.store.Create(ctx, d)
	if err != nil {
		return Task{}, s.fail(ctx, "create", err)
	}
	span.SetAttributes(attribute.Int64("task.id", t.ID))
	s.done("create", "ok")
	s.logger.DebugContext(ctx, "task_created", slog.Int64("id", t.ID))
	return t, nil
}

func withExplicitNulls(d Draft) Draft {
	if !d.Title.Present {
		d.Title = Null[string]()
	}
	if !d.CreateDate.Present {
		d.CreateDate = Null[time.Time]()
	}
	if !d.DoneDate.Present {
		d.DoneDate = Null[time.Time]()
	}
	if !d.Status.Present {
		d.Status = Null[string]()
	}
	return d
}

// UpdateTask merges d into the stored task according to the merge policy.
func (s *Service) UpdateTask(ctx context.Context, id int64, d Draft) (Task, error) {
	ctx, span := s.tracer.Start(ctx, "tasks.UpdateTask", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	if s.merge == MergeTruthy {
		d = truthyFields(d)
	}
	t, err := s.store.Update(ctx, id, d)
	if err != nil {
		return Task{}, s.fail(ctx, "update", err)
	}
	s.done("update", "ok")
	s.logger.DebugContext(ctx, "task_updated", slog.Int64("id", id))
	return t, nil
}

func truthyFields(d Draft) Draft {
	var out Draft
	if d.Title.Valid && d.Title.Value != "" {
		out.Title = d.Title
	}
	if d.CreateDate.Valid {
		out.CreateDate = d.CreateDate
	}
	if d.DoneDate.Valid {
		out.DoneDate = d.DoneDate
	}
	if d.Status.Valid && d.Status.Value != "" {
		out.Status = d.Status
	}
	return out
}

func (s *Service) DeleteTask(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "tasks.DeleteTask", trace.WithAttributes(attribute.Int64("task.id", id)))
	defer span.End()

	if err := s.store.Delete(ctx, id); err != nil {
		return s.fail(ctx, "delete", err)
	}
	s.done("delete", "ok")
	s.logger.DebugContext(ctx, "task_deleted", slog.Int64("id", id))
	return nil
}

func (s *Service) done(op, outcome string) {
	operationsTotal.WithLabelValues(op, outcome).Inc()
}

// fail records a store error on the span carried by ctx and logs it with ctx.
func (s *Service) fail(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		s.done(op, "not_found")
		return err
	}
	s.done(op, "error")
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.ErrorContext(ctx, "task_store_error", slog.String("op", op), slog.String("error", err.Error()))
	return err
}
