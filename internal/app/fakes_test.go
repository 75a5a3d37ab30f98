package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"todo-service/internal/auth"
	"todo-service/internal/todo"
)

// memoryAuthStore backs users, login attempts and revocations in tests.
type memoryAuthStore struct {
	mu       sync.Mutex
	nextID   int64
	users    map[string]auth.User
	attempts map[string]auth.LoginAttempt
	revoked  map[string]time.Time
}

func newMemoryAuthStore() *memoryAuthStore {
	return &memoryAuthStore{
		users:    make(map[string]auth.User),
		attempts: make(map[string]auth.LoginAttempt),
		revoked:  make(map[string]time.Time),
	}
}

func (m *memoryAuthStore) GetByUsername(ctx context.Context, username string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[username]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return user, nil
}

func (m *memoryAuthStore) UsernameOrEmailTaken(ctx context.Context, username, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Username == username || user.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryAuthStore) CreateUser(ctx context.Context, user auth.User) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	user.ID = m.nextID
	m.users[user.Username] = user
	return user, nil
}

func (m *memoryAuthStore) UpsertAdmin(ctx context.Context, user auth.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.users[user.Username]; ok {
		user.ID = existing.ID
	} else {
		m.nextID++
		user.ID = m.nextID
	}
	m.users[user.Username] = user
	return nil
}

func (m *memoryAuthStore) GetLoginAttempt(ctx context.Context, username string) (auth.LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[username]
	attempt.Username = username
	return attempt, nil
}

func (m *memoryAuthStore) RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[username]
	attempt.FailedAttempts++
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
	}
	m.attempts[username] = attempt
	return attempt.LockedUntil, nil
}

func (m *memoryAuthStore) ResetLoginAttempt(ctx context.Context, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, username)
	return nil
}

func (m *memoryAuthStore) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = expiresAt
	return nil
}

func (m *memoryAuthStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[jti]
	return ok, nil
}

type memoryTodos struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]todo.Todo
}

func newMemoryTodos() *memoryTodos {
	return &memoryTodos{rows: make(map[int64]todo.Todo)}
}

func (m *memoryTodos) List(ctx context.Context, identity auth.Identity) ([]todo.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]todo.Todo, 0)
	for _, t := range m.rows {
		if identity.CanAccess(t.OwnerID) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryTodos) Get(ctx context.Context, identity auth.Identity, id int64) (todo.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || !identity.CanAccess(t.OwnerID) {
		return todo.Todo{}, todo.ErrNotFound
	}
	return t, nil
}

func (m *memoryTodos) Create(ctx context.Context, identity auth.Identity, input todo.Input) (todo.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	t := todo.Todo{
		ID:          m.nextID,
		Title:       input.Title,
		Description: input.Description,
		Priority:    input.Priority,
		Complete:    input.Complete,
		OwnerID:     identity.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.rows[t.ID] = t
	return t, nil
}

func (m *memoryTodos) Update(ctx context.Context, identity auth.Identity, id int64, input todo.Input) (todo.Todo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || !identity.CanAccess(t.OwnerID) {
		return todo.Todo{}, todo.ErrNotFound
	}
	t.Title, t.Description, t.Priority, t.Complete = input.Title, input.Description, input.Priority, input.Complete
	t.UpdatedAt = time.Now().UTC()
	m.rows[id] = t
	return t, nil
}

func (m *memoryTodos) Delete(ctx context.Context, identity auth.Identity, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok || !identity.CanAccess(t.OwnerID) {
		return todo.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }
