package todo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"todo-service/internal/auth"
	"todo-service/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

// Store is implemented by *Repository and by in-memory fakes in tests.
type Store interface {
	List(ctx context.Context, identity auth.Identity) ([]Todo, error)
	Get(ctx context.Context, identity auth.Identity, id int64) (Todo, error)
	Create(ctx context.Context, identity auth.Identity, input Input) (Todo, error)
	Update(ctx context.Context, identity auth.Identity, id int64, input Input) (Todo, error)
	Delete(ctx context.Context, identity auth.Identity, id int64) error
}

// Handler serves the todo routes. Every route runs behind
// auth.Guard.Authenticate; the admin routes additionally behind RequireRole.
type Handler struct {
	store  Store
	logger *observability.Logger
}

func NewHandler(store Store, logger *observability.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

func (h *Handler) ListTodos(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrReject(w, r)
	if !ok {
		return
	}

	todos, err := h.store.List(r.Context(), identity)
	if err != nil {
		h.internalError(w, r, "list_todos_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, todos)
}

func (h *Handler) GetTodo(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrReject(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	t, err := h.store.Get(r.Context(), identity, id)
	if err != nil {
		h.storeError(w, r, "get_todo_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) CreateTodo(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrReject(w, r)
	if !ok {
		return
	}
	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	t, err := h.store.Create(r.Context(), identity, input)
	if err != nil {
		h.internalError(w, r, "create_todo_failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) UpdateTodo(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrReject(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	input, ok := parseInput(w, r)
	if !ok {
		return
	}

	t, err := h.store.Update(r.Context(), identity, id, input)
	if err != nil {
		h.storeError(w, r, "update_todo_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) DeleteTodo(w http.ResponseWriter, r *http.Request) {
	identity, ok := identityOrReject(w, r)
	if !ok {
		return
	}
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), identity, id); err != nil {
		h.storeError(w, r, "delete_todo_failed", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, event string, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "todo not found")
		return
	}
	h.internalError(w, r, event, err)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.logger.Error(event, map[string]any{"error": err.Error()})
	observability.CaptureError(r.Context(), err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func identityOrReject(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "could not validate credentials")
		return auth.Identity{}, false
	}
	return identity, true
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid todo id")
		return 0, false
	}
	return id, true
}

func parseInput(w http.ResponseWriter, r *http.Request) (Input, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var input Input
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return Input{}, false
	}

	input.Title = strings.TrimSpace(input.Title)
	input.Description = strings.TrimSpace(input.Description)

	if err := input.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return Input{}, false
	}

	return input, true
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}

func (i Input) Validate() error {
	titleLen := utf8.RuneCountInString(i.Title)
	if !utf8.ValidString(i.Title) || titleLen < 3 || titleLen > 150 {
		return ValidationError{Field: "title", Message: "title must be 3-150 characters"}
	}
	descriptionLen := utf8.RuneCountInString(i.Description)
	if !utf8.ValidString(i.Description) || descriptionLen < 3 || descriptionLen > 100 {
		return ValidationError{Field: "description", Message: "description must be 3-100 characters"}
	}
	if i.Priority < 1 || i.Priority > 5 {
		return ValidationError{Field: "priority", Message: "priority must be between 1 and 5"}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
