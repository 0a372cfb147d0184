package tasks

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

var statusFilters = map[string]struct{}{
	StatusDone:    {},
	StatusWaiting: {},
	StatusWorking: {},
	FilterAll:     {},
}

type errResponse struct {
	Error   string       `json:"error"`
	Message string       `json:"message,omitempty"`
	Details []FieldError `json:"details,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func RegisterRoutes(r chi.Router, svc *Service) {
	r.Get("/tasks", listTasks(svc))
	r.Post("/tasks", createTask(svc))
	r.Get("/tasks/{id}", getTask(svc))
	r.Put("/tasks/{id}", updateTask(svc))
	r.Delete("/tasks/{id}", deleteTask(svc))
}

func listTasks(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var status *string
		if vals, ok := r.URL.Query()["status"]; ok {
			v := vals[0]
			if _, known := statusFilters[v]; !known {
				writeError(w, &ValidationError{Details: []FieldError{
					{Field: "status", Message: "must be one of done, waiting, working, all"},
				}})
				return
			}
			status = &v
		}

		tasks, err := svc.ListTasks(r.Context(), status)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}

func getTask(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := taskID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		t, err := svc.GetTask(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func createTask(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := DecodeDraft(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, err)
			return
		}
		t, err := svc.CreateTask(r.Context(), d)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

func updateTask(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := taskID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		d, err := DecodeDraft(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, err)
			return
		}
		t, err := svc.UpdateTask(r.Context(), id, d)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	}
}

func deleteTask(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := taskID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := svc.DeleteTask(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messageResponse{Message: "Task deleted successfully"})
	}
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, &ValidationError{Details: []FieldError{
			{Field: "task_id", Message: "must be an integer"},
		}}
	}
	return id, nil
}

func writeError(w http.ResponseWriter, err error) {
	var (
		verr *ValidationError
		serr *SyntaxError
	)
	switch {
	case errors.As(err, &serr):
		writeJSON(w, http.StatusBadRequest, errResponse{Error: "invalid_json"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errResponse{
			Error:   "validation_error",
			Details: verr.Details,
		})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errResponse{Error: "not_found", Message: "Task not found"})
	case errors.Is(err, ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errResponse{Error: "store_unavailable"})
	default:
		writeJSON(w, http.StatusInternalServerError, errResponse{Error: "unexpected_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
