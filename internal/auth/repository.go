package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
	DeletedRevokedTokens int64 `json:"deleted_revoked_tokens"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, username, email, first_name, last_name, password_hash, role, is_active, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var role string
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.FirstName, &user.LastName,
		&user.PasswordHash, &role, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	user.Role = Role(role)
	return user, err
}

// GetByUsername is an exact, case-sensitive match.
func (r *Repository) GetByUsername(ctx context.Context, username string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1
	`, username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}

	return user, nil
}

func (r *Repository) UsernameOrEmailTaken(ctx context.Context, username, email string) (bool, error) {
	var taken bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM users WHERE username = $1 OR lower(email) = lower($2)
		)
	`, username, email).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check existing user: %w", err)
	}

	return taken, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User) (User, error) {
	now := time.Now().UTC()

	created, err := scanUser(r.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, first_name, last_name, password_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING `+userColumns+`
	`, user.Username, user.Email, user.FirstName, user.LastName, user.PasswordHash, string(user.Role), user.IsActive, now))
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return created, nil
}

// UpsertAdmin creates the account or resets its password, role and active flag.
func (r *Repository) UpsertAdmin(ctx context.Context, user User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (username, email, first_name, last_name, password_hash, role, is_active, created_at, updated_at)
		VALUES ($1, $2, '', '', $3, 'admin', TRUE, $4, $4)
		ON CONFLICT (username)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			role = 'admin',
			is_active = TRUE,
			updated_at = EXCLUDED.updated_at
	`, user.Username, user.Email, user.PasswordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert admin user: %w", err)
	}

	return nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Username = username

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE username = $1
	`, username).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

// RegisterFailedAttempt counts one failure in a single upsert. Reaching
// maxAttempts sets the lock and restarts the count; failures while a lock is
// active leave the row untouched apart from updated_at.
func (r *Repository) RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	now = now.UTC()

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO auth_login_attempts AS a (username, failed_attempts, locked_until, updated_at)
		VALUES (
			$1,
			CASE WHEN $3 <= 1 THEN 0 ELSE 1 END,
			CASE WHEN $3 <= 1 THEN $4::timestamptz END,
			$2
		)
		ON CONFLICT (username) DO UPDATE SET
			failed_attempts = CASE
				WHEN a.locked_until > $2 THEN a.failed_attempts
				WHEN a.failed_attempts + 1 >= $3 THEN 0
				ELSE a.failed_attempts + 1
			END,
			locked_until = CASE
				WHEN a.locked_until > $2 THEN a.locked_until
				WHEN a.failed_attempts + 1 >= $3 THEN $4::timestamptz
			END,
			updated_at = $2
		RETURNING locked_until
	`, username, now, maxAttempts, now.Add(lockDuration)).Scan(&lockedUntil)
	if err != nil {
		return nil, fmt.Errorf("record failed login: %w", err)
	}

	if !lockedUntil.Valid || !now.Before(lockedUntil.Time) {
		return nil, nil
	}
	until := lockedUntil.Time.UTC()
	return &until, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, username string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE username = $1
	`, username)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

func (r *Repository) AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.UTC().Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO auth_login_ip_limits (ip, window_started_at, hits, updated_at)
		VALUES ($1, $2, 1, $2)
		ON CONFLICT (ip) DO UPDATE
		SET
			hits = CASE
				WHEN auth_login_ip_limits.window_started_at <= $3 THEN 1
				ELSE auth_login_ip_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_login_ip_limits.window_started_at <= $3 THEN $2
				ELSE auth_login_ip_limits.window_started_at
			END,
			updated_at = $2
		RETURNING hits, window_started_at
	`, ip, now.UTC(), threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert login ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now.UTC())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

func (r *Repository) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}

	return nil
}

func (r *Repository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM auth_revoked_tokens WHERE jti = $1)
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}

	return revoked, nil
}

// staleAuthTable describes one table the cleanup job trims in batches.
// Expiring tables are trimmed once column passes now rather than the
// retention window.
type staleAuthTable struct {
	name     string
	key      string
	column   string
	extra    string
	expiring bool
	counter  func(*CleanupResult) *int64
}

var staleAuthTables = []staleAuthTable{
	{
		name:    "auth_login_attempts",
		key:     "username",
		column:  "updated_at",
		extra:   "AND (locked_until IS NULL OR locked_until < NOW())",
		counter: func(c *CleanupResult) *int64 { return &c.DeletedLoginAttempts },
	},
	{
		name:    "auth_login_ip_limits",
		key:     "ip",
		column:  "updated_at",
		counter: func(c *CleanupResult) *int64 { return &c.DeletedIPLimits },
	},
	{
		name:     "auth_revoked_tokens",
		key:      "jti",
		column:   "expires_at",
		expiring: true,
		counter:  func(c *CleanupResult) *int64 { return &c.DeletedRevokedTokens },
	},
}

func (t staleAuthTable) deleteQuery() string {
	return fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE %[2]s IN (
			SELECT %[2]s FROM %[1]s
			WHERE %[3]s < $1 %[4]s
			ORDER BY %[3]s
			LIMIT $2
		)
	`, t.name, t.key, t.column, t.extra)
}

// CleanupStaleAuthData removes at most batchSize rows per table: idle lockout
// and ip counters older than the retention, and revocations past their expiry.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, loginAttemptRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	now := time.Now().UTC()
	var result CleanupResult
	for _, table := range staleAuthTables {
		cutoff := now.Add(-loginAttemptRetention)
		if table.expiring {
			cutoff = now
		}

		res, err := r.db.ExecContext(ctx, table.deleteQuery(), cutoff, batchSize)
		if err != nil {
			return CleanupResult{}, fmt.Errorf("cleanup %s: %w", table.name, err)
		}
		deleted, err := res.RowsAffected()
		if err != nil {
			return CleanupResult{}, fmt.Errorf("cleanup %s rows affected: %w", table.name, err)
		}
		*table.counter(&result) = deleted
	}

	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username or email already registered")
)
