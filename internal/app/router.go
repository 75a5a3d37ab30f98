package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"todo-service/internal/auth"
	"todo-service/internal/maintenance"
	"todo-service/internal/observability"
	"todo-service/internal/todo"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Dependencies struct {
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Guard   *auth.Guard
	Limiter *auth.LoginRateLimiter
	Auth    *auth.Handler
	Todos   *todo.Handler
	Cleanup *maintenance.CleanupHandler
	DB      Pinger
}

func NewRouter(deps Dependencies) http.Handler {
	authenticated := func(h http.HandlerFunc) http.Handler {
		return deps.Guard.Authenticate(h)
	}
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return deps.Guard.Authenticate(deps.Guard.RequireRole(auth.RoleAdmin, h))
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/token", deps.Limiter.Middleware(http.HandlerFunc(deps.Auth.Login)))
	mux.HandleFunc("POST /auth/{$}", deps.Auth.Register)
	mux.Handle("POST /auth/logout", authenticated(deps.Auth.Logout))
	mux.Handle("GET /auth/me", authenticated(deps.Auth.Me))

	mux.Handle("GET /todo/{$}", authenticated(deps.Todos.ListTodos))
	mux.Handle("POST /todo/{$}", authenticated(deps.Todos.CreateTodo))
	mux.Handle("GET /todo/{id}", authenticated(deps.Todos.GetTodo))
	mux.Handle("PUT /todo/{id}", authenticated(deps.Todos.UpdateTodo))
	mux.Handle("DELETE /todo/{id}", authenticated(deps.Todos.DeleteTodo))

	// An admin identity is elevated, so the shared handlers see every row.
	mux.Handle("GET /admin/todo", adminOnly(deps.Todos.ListTodos))
	mux.Handle("DELETE /admin/todo/{id}", adminOnly(deps.Todos.DeleteTodo))

	if deps.Cleanup != nil {
		mux.HandleFunc("GET /internal/maintenance/cleanup", deps.Cleanup.Handle)
		mux.HandleFunc("POST /internal/maintenance/cleanup", deps.Cleanup.Handle)
	}
	mux.HandleFunc("GET /health", healthHandler(deps.DB))
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics.Handler())
	}

	return observability.RecoverMiddleware(deps.Logger,
		observability.RequestLoggingMiddleware(deps.Logger, deps.Metrics, mux))
}

func healthHandler(database Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if database == nil || database.PingContext(ctx) != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
