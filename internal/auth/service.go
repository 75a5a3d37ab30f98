package auth

import (
	"context"
	"errors"
	"net/mail"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	defaultAccessTTL   = 20 * time.Minute
	defaultMaxAttempts = 5
	defaultLockWindow  = 15 * time.Minute

	minPasswordLength = 6
	maxNameLength     = 100
)

var usernameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

type UserStore interface {
	GetByUsername(ctx context.Context, username string) (User, error)
	UsernameOrEmailTaken(ctx context.Context, username, email string) (bool, error)
	CreateUser(ctx context.Context, user User) (User, error)
	UpsertAdmin(ctx context.Context, user User) error
}

type LoginAttemptStore interface {
	GetLoginAttempt(ctx context.Context, username string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, username string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, username string) error
}

// LoginObserver receives one outcome label per login call.
type LoginObserver interface {
	RecordLogin(result string)
}

type Service struct {
	users        UserStore
	attempts     LoginAttemptStore
	hasher       *PasswordHasher
	tokens       *TokenService
	observer     LoginObserver
	now          func() time.Time
	accessTTL    time.Duration
	maxAttempts  int
	lockDuration time.Duration
	allowAdmin   bool

	dummyOnce sync.Once
	dummyHash string
}

func NewService(users UserStore, attempts LoginAttemptStore, hasher *PasswordHasher, tokens *TokenService) *Service {
	return &Service{
		users:        users,
		attempts:     attempts,
		hasher:       hasher,
		tokens:       tokens,
		now:          time.Now,
		accessTTL:    defaultAccessTTL,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
	}
}

func (s *Service) WithSecurityConfig(maxAttempts int, lockDuration time.Duration, accessTTL time.Duration) {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	if accessTTL > 0 {
		s.accessTTL = accessTTL
	}
}

func (s *Service) AllowAdminRegistration(allow bool) {
	s.allowAdmin = allow
}

func (s *Service) WithObserver(observer LoginObserver) {
	s.observer = observer
}

func (s *Service) Login(ctx context.Context, username, password string) (Token, error) {
	token, err := s.login(ctx, username, password)
	if s.observer != nil {
		s.observer.RecordLogin(loginResult(err))
	}
	return token, err
}

func (s *Service) login(ctx context.Context, username, password string) (Token, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return Token{}, ErrInvalidCredentials
	}

	now := s.now().UTC()
	attempt, err := s.attempts.GetLoginAttempt(ctx, username)
	if err != nil {
		return Token{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		return Token{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn the same bcrypt work as a real check.
			s.hasher.Verify(password, s.timingHash())
			return Token{}, s.registerFailure(ctx, username, now)
		}
		return Token{}, err
	}

	if !s.hasher.Verify(password, user.PasswordHash) || !user.IsActive {
		return Token{}, s.registerFailure(ctx, username, now)
	}

	if err := s.attempts.ResetLoginAttempt(ctx, username); err != nil {
		return Token{}, err
	}

	issued, err := s.tokens.Issue(user.Username, user.ID, user.Role, s.accessTTL)
	if err != nil {
		return Token{}, err
	}

	return Token{
		AccessToken: issued.Value,
		TokenType:   "bearer",
		ExpiresIn:   int64(s.accessTTL.Seconds()),
	}, nil
}

func (s *Service) registerFailure(ctx context.Context, username string, now time.Time) error {
	lockedUntil, err := s.attempts.RegisterFailedAttempt(ctx, username, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		return ErrLoginLocked{Until: *lockedUntil}
	}
	return ErrInvalidCredentials
}

func (s *Service) timingHash() string {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = s.hasher.Hash("timing-equalization-only")
	})
	return s.dummyHash
}

func (s *Service) Register(ctx context.Context, input NewUser) (User, error) {
	input, err := s.validateNewUser(input)
	if err != nil {
		return User{}, err
	}

	taken, err := s.users.UsernameOrEmailTaken(ctx, input.Username, input.Email)
	if err != nil {
		return User{}, err
	}
	if taken {
		return User{}, ErrUserExists
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return User{}, err
	}

	return s.users.CreateUser(ctx, User{
		Username:     input.Username,
		Email:        input.Email,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		PasswordHash: hash,
		Role:         input.Role,
		IsActive:     true,
	})
}

func (s *Service) validateNewUser(input NewUser) (NewUser, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	input.Role = Role(strings.TrimSpace(strings.ToLower(string(input.Role))))

	if !usernameRegex.MatchString(input.Username) {
		return NewUser{}, ValidationError{Field: "username", Message: "username must be 3-32 characters of letters, digits, '.', '_' or '-'"}
	}
	if addr, err := mail.ParseAddress(input.Email); err != nil || addr.Address != input.Email {
		return NewUser{}, ValidationError{Field: "email", Message: "email is invalid"}
	}
	if utf8.RuneCountInString(input.FirstName) > maxNameLength || utf8.RuneCountInString(input.LastName) > maxNameLength {
		return NewUser{}, ValidationError{Field: "name", Message: "names must be at most 100 characters"}
	}
	if len(input.Password) < minPasswordLength || len(input.Password) > MaxPasswordBytes {
		return NewUser{}, ValidationError{Field: "password", Message: "password must be 6-72 bytes"}
	}

	if input.Role == "" {
		input.Role = RoleUser
	}
	if !input.Role.Valid() {
		return NewUser{}, ValidationError{Field: "role", Message: "role must be user or admin"}
	}
	if input.Role == RoleAdmin && !s.allowAdmin {
		return NewUser{}, ValidationError{Field: "role", Message: "admin accounts cannot be self-registered"}
	}

	return input, nil
}

// Logout revokes the access token the caller authenticated with.
func (s *Service) Logout(ctx context.Context, claims Claims) error {
	return s.tokens.Revoke(ctx, claims)
}

// BootstrapAdmin makes sure the configured admin account exists with the
// given password. Both username and password empty is a no-op.
func (s *Service) BootstrapAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("ADMIN_USERNAME is invalid")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}

	return s.users.UpsertAdmin(ctx, User{
		Username:     username,
		Email:        username + "@admin.invalid",
		PasswordHash: hash,
		Role:         RoleAdmin,
		IsActive:     true,
	})
}

func loginResult(err error) string {
	var locked ErrLoginLocked
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.As(err, &locked):
		return "locked"
	default:
		return "error"
	}
}

var ErrInvalidCredentials = errors.New("invalid credentials")

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Message
}
