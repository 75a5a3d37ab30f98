package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"todo-service/internal/auth"
	"todo-service/internal/observability"
	"todo-service/internal/todo"
)

type scenario struct {
	t       *testing.T
	handler http.Handler
	service *auth.Service
	todos   *memoryTodos
}

type scenarioOptions struct {
	forbiddenOnRoles bool
	loginRateLimit   int
	db               Pinger
}

func newScenario(t *testing.T, opts scenarioOptions) *scenario {
	t.Helper()

	if opts.loginRateLimit == 0 {
		opts.loginRateLimit = 100
	}
	if opts.db == nil {
		opts.db = fakePinger{}
	}

	logger := observability.NewLoggerWithOutput("error", io.Discard)
	metrics := observability.NewMetrics()
	store := newMemoryAuthStore()
	todos := newMemoryTodos()

	tokens := auth.NewTokenService("scenario-secret", store)
	service := auth.NewService(store, store, auth.NewPasswordHasher(bcrypt.MinCost), tokens)
	service.WithObserver(metrics)

	handler := NewRouter(Dependencies{
		Logger:  logger,
		Metrics: metrics,
		Guard:   auth.NewGuard(tokens).WithForbiddenOnRoleMismatch(opts.forbiddenOnRoles),
		Limiter: auth.NewLoginRateLimiter(nil, opts.loginRateLimit, time.Minute).WithObserver(metrics),
		Auth:    auth.NewHandler(service, logger),
		Todos:   todo.NewHandler(todos, logger),
		DB:      opts.db,
	})

	return &scenario{t: t, handler: handler, service: service, todos: todos}
}

func (s *scenario) request(method, path, token, contentType, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *scenario) register(username, password string) {
	s.t.Helper()
	body := `{"username":"` + username + `","email":"` + username + `@example.com","first_name":"F","last_name":"L","password":"` + password + `"}`
	rec := s.request(http.MethodPost, "/auth/", "", "application/json", body)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *scenario) login(username, password string) *httptest.ResponseRecorder {
	form := url.Values{"username": {username}, "password": {password}}
	return s.request(http.MethodPost, "/auth/token", "", "application/x-www-form-urlencoded", form.Encode())
}

func (s *scenario) token(username, password string) string {
	s.t.Helper()
	rec := s.login(username, password)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	var token auth.Token
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &token))
	require.Equal(s.t, "bearer", token.TokenType)
	return token.AccessToken
}

const milkTodo = `{"title":"Buy milk","description":"two litres","priority":3,"complete":false}`

func TestScenario_OwnershipAndAdminGate(t *testing.T) {
	s := newScenario(t, scenarioOptions{})

	s.register("alice", "pw-alice")
	s.register("bob", "pw-bob")
	require.NoError(t, s.service.BootstrapAdmin(context.Background(), "root", "pw-root"))

	alice := s.token("alice", "pw-alice")
	bob := s.token("bob", "pw-bob")
	root := s.token("root", "pw-root")

	rec := s.request(http.MethodPost, "/todo/", alice, "application/json", milkTodo)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created todo.Todo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.ID)

	// Bob cannot tell alice's todo apart from one that does not exist.
	foreign := s.request(http.MethodGet, "/todo/1", bob, "", "")
	missing := s.request(http.MethodGet, "/todo/999", bob, "", "")
	assert.Equal(t, http.StatusNotFound, foreign.Code)
	assert.Equal(t, missing.Code, foreign.Code)
	assert.Equal(t, missing.Body.String(), foreign.Body.String())

	assert.Equal(t, http.StatusNotFound, s.request(http.MethodPut, "/todo/1", bob, "application/json", milkTodo).Code)
	assert.Equal(t, http.StatusNotFound, s.request(http.MethodDelete, "/todo/1", bob, "", "").Code)
	assert.JSONEq(t, `[]`, s.request(http.MethodGet, "/todo/", bob, "", "").Body.String())
	assert.Equal(t, "Buy milk", s.todos.rows[1].Title)

	assert.Equal(t, http.StatusUnauthorized, s.request(http.MethodGet, "/admin/todo", bob, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.request(http.MethodGet, "/admin/todo", "", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.request(http.MethodDelete, "/admin/todo/1", alice, "", "").Code)
	assert.Len(t, s.todos.rows, 1)

	rec = s.request(http.MethodGet, "/admin/todo", root, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []todo.Todo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, created.OwnerID, all[0].OwnerID)

	assert.Equal(t, http.StatusNoContent, s.request(http.MethodDelete, "/admin/todo/1", root, "", "").Code)
	assert.Equal(t, http.StatusNotFound, s.request(http.MethodGet, "/todo/1", alice, "", "").Code)
}

func TestScenario_RoleMismatchCanBeForbidden(t *testing.T) {
	s := newScenario(t, scenarioOptions{forbiddenOnRoles: true})
	s.register("alice", "pw-alice")
	alice := s.token("alice", "pw-alice")

	assert.Equal(t, http.StatusForbidden, s.request(http.MethodGet, "/admin/todo", alice, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.request(http.MethodGet, "/admin/todo", "", "", "").Code)
}

func TestScenario_LoginFailuresLookAlike(t *testing.T) {
	s := newScenario(t, scenarioOptions{})
	s.register("alice", "pw-alice")

	wrong := s.login("alice", "nope")
	unknown := s.login("mallory", "nope")

	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, wrong.Code, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String())
}

func TestScenario_LogoutRevokesToken(t *testing.T) {
	s := newScenario(t, scenarioOptions{})
	s.register("alice", "pw-alice")
	alice := s.token("alice", "pw-alice")

	rec := s.request(http.MethodGet, "/auth/me", alice, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":1,"username":"alice","role":"user"}`, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, s.request(http.MethodPost, "/auth/logout", alice, "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.request(http.MethodGet, "/todo/", alice, "", "").Code)

	// A fresh login still works.
	fresh := s.token("alice", "pw-alice")
	assert.Equal(t, http.StatusOK, s.request(http.MethodGet, "/todo/", fresh, "", "").Code)
}

func TestScenario_LoginRateLimit(t *testing.T) {
	s := newScenario(t, scenarioOptions{loginRateLimit: 2})
	s.register("alice", "pw-alice")

	assert.Equal(t, http.StatusUnauthorized, s.login("alice", "nope").Code)
	assert.Equal(t, http.StatusOK, s.login("alice", "pw-alice").Code)

	rec := s.login("alice", "pw-alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestScenario_HealthAndMetrics(t *testing.T) {
	s := newScenario(t, scenarioOptions{})
	s.register("alice", "pw-alice")
	s.token("alice", "pw-alice")

	assert.Equal(t, http.StatusOK, s.request(http.MethodGet, "/health", "", "", "").Code)

	rec := s.request(http.MethodGet, "/metrics", "", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `todo_auth_login_attempts_total{result="success"} 1`)
	assert.Contains(t, rec.Body.String(), `route="POST /auth/{$}"`)

	degraded := newScenario(t, scenarioOptions{db: fakePinger{err: errors.New("down")}})
	assert.Equal(t, http.StatusServiceUnavailable, degraded.request(http.MethodGet, "/health", "", "", "").Code)
}

func TestScenario_UnknownRoute(t *testing.T) {
	s := newScenario(t, scenarioOptions{})

	assert.Equal(t, http.StatusNotFound, s.request(http.MethodGet, "/nope", "", "", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, s.request(http.MethodPatch, "/todo/1", "", "", "").Code)
}
