package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/cache"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/persistence"
	"github.com/spec-kit/account-service/internal/repository"
	apperrors "github.com/spec-kit/account-service/pkg/util/errorutil"
)

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

// RegisterInput carries the fields of a new account.
type RegisterInput struct {
	Username  string
	FirstName string
	LastName  string
	Email     string
	Password  string
}

// UpdateInput carries a partial update. Nil fields are left untouched.
type UpdateInput struct {
	Username  *string
	FirstName *string
	LastName  *string
	Email     *string
	Password  *string
}

// AccountService coordinates registration, login and user management flows.
type AccountService struct {
	sessions   persistence.SessionProvider
	users      repository.UserRepository
	hasher     *auth.PasswordHasher
	tokenMgr   *auth.TokenManager
	cache      cache.UserCache
	dispatcher events.Dispatcher
	logger     *zap.Logger
	dummyHash  string
}

// AccountDependencies encapsulates collaborators for the account service.
type AccountDependencies struct {
	Sessions   persistence.SessionProvider
	UserRepo   repository.UserRepository
	Cache      cache.UserCache
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
}

// NewAccountService builds the service. It fails when the token settings are unusable.
func NewAccountService(cfg config.Config, deps AccountDependencies) (*AccountService, error) {
	tokenMgr, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm, cfg.Auth.AccessTokenTTL())
	if err != nil {
		return nil, fmt.Errorf("token manager: %w", err)
	}
	hasher := auth.NewPasswordHasher(cfg.Auth.BcryptCost)
	dummyHash, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}

	svc := &AccountService{
		sessions:   deps.Sessions,
		users:      deps.UserRepo,
		hasher:     hasher,
		tokenMgr:   tokenMgr,
		cache:      deps.Cache,
		dispatcher: deps.Dispatcher,
		logger:     deps.Logger,
		dummyHash:  dummyHash,
	}
	if svc.sessions == nil {
		svc.sessions = persistence.NoopSessionProvider{}
	}
	if svc.cache == nil {
		svc.cache = cache.NoopUserCache{}
	}
	if svc.logger == nil {
		svc.logger = zap.NewNop()
	}
	return svc, nil
}

// Register creates a new account through the public sign-up flow.
func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*domain.User, error) {
	return s.create(ctx, in, false)
}

// CreateUser creates an account through the administrative path. No token is issued.
func (s *AccountService) CreateUser(ctx context.Context, in RegisterInput) (*domain.User, error) {
	return s.create(ctx, in, true)
}

func (s *AccountService) create(ctx context.Context, in RegisterInput, administrative bool) (*domain.User, error) {
	if err := checkPasswordLength(in.Password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Username:     in.Username,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Email:        in.Email,
		PasswordHash: hash,
	}
	err = s.withSession(ctx, func(db persistence.DBTX) error {
		return s.users.Create(ctx, db, user)
	})
	if err != nil {
		return nil, s.mapRepoError(err)
	}

	s.publish(ctx, events.EventUserRegistered, user.ID, events.UserRegisteredPayload{
		Username:       user.Username,
		Email:          user.Email,
		Administrative: administrative,
	})
	return user, nil
}

// Login authenticates by username and password. Unknown users and wrong
// passwords produce the same InvalidCredentials error.
func (s *AccountService) Login(ctx context.Context, username, password string) (*domain.AccessToken, error) {
	var user *domain.User
	err := s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		user, err = s.users.GetByUsername(ctx, db, username)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// keep the timing of unknown usernames close to wrong passwords
			s.hasher.Verify(password, s.dummyHash)
			return nil, apperrors.NewInvalidCredentials()
		}
		return nil, s.mapRepoError(err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, apperrors.NewInvalidCredentials()
	}

	token, exp, err := s.tokenMgr.GenerateToken(user.ID)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return &domain.AccessToken{
		Token:     token,
		Type:      domain.TokenTypeBearer,
		SubjectID: user.ID,
		ExpiresAt: exp,
	}, nil
}

// Authenticate verifies a bearer token and loads the user it was issued for.
func (s *AccountService) Authenticate(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.tokenMgr.ParseToken(token)
	if err != nil {
		return nil, apperrors.NewInvalidToken(err)
	}

	var user *domain.User
	err = s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		user, err = s.users.GetByID(ctx, db, claims.SubjectID())
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewInvalidToken(err)
		}
		return nil, s.mapRepoError(err)
	}
	return user, nil
}

// GetUser returns a user by id, consulting the cache first.
func (s *AccountService) GetUser(ctx context.Context, rawID string) (*domain.User, error) {
	id, err := parseUserID(rawID)
	if err != nil {
		return nil, err
	}
	cached, generation, ok := s.cache.Get(ctx, id)
	if ok {
		return cached, nil
	}

	var user *domain.User
	err = s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		user, err = s.users.GetByID(ctx, db, id)
		return err
	})
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	s.cache.Set(ctx, user, generation)
	return user, nil
}

// GetUserByEmail returns a user by email.
func (s *AccountService) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user *domain.User
	err := s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		user, err = s.users.GetByEmail(ctx, db, email)
		return err
	})
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	return user, nil
}

// GetUserIDByUsername resolves a username to its user id.
func (s *AccountService) GetUserIDByUsername(ctx context.Context, username string) (string, error) {
	var id string
	err := s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		id, err = s.users.GetIDByUsername(ctx, db, username)
		return err
	})
	if err != nil {
		return "", s.mapRepoError(err)
	}
	return id, nil
}

// GetUserIDByEmail resolves an email to its user id.
func (s *AccountService) GetUserIDByEmail(ctx context.Context, email string) (string, error) {
	var id string
	err := s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		id, err = s.users.GetIDByEmail(ctx, db, email)
		return err
	})
	if err != nil {
		return "", s.mapRepoError(err)
	}
	return id, nil
}

// ListUsers returns every user. An empty table yields an empty slice.
func (s *AccountService) ListUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		users, err = s.users.List(ctx, db)
		return err
	})
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	if users == nil {
		users = []domain.User{}
	}
	return users, nil
}

// UpdateUser applies a partial update. A provided password is re-hashed.
func (s *AccountService) UpdateUser(ctx context.Context, rawID string, in UpdateInput) (*domain.User, error) {
	id, err := parseUserID(rawID)
	if err != nil {
		return nil, err
	}

	patch := domain.UserPatch{
		Username:  in.Username,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     in.Email,
	}
	if in.Password != nil {
		if err := checkPasswordLength(*in.Password); err != nil {
			return nil, err
		}
		hash, err := s.hasher.Hash(*in.Password)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		patch.PasswordHash = &hash
	}

	if err := s.invalidateCached(ctx, id); err != nil {
		return nil, err
	}
	var user *domain.User
	err = s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		user, err = s.users.Update(ctx, db, id, patch)
		return err
	})
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	if err := s.invalidateCached(ctx, id); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventUserUpdated, id, events.UserUpdatedPayload{Fields: patchFields(patch)})
	return user, nil
}

// DeleteUser permanently removes a user and returns the deleted record.
func (s *AccountService) DeleteUser(ctx context.Context, rawID string) (*domain.User, error) {
	id, err := parseUserID(rawID)
	if err != nil {
		return nil, err
	}

	if err := s.invalidateCached(ctx, id); err != nil {
		return nil, err
	}
	var user *domain.User
	err = s.withSession(ctx, func(db persistence.DBTX) error {
		var err error
		user, err = s.users.Delete(ctx, db, id)
		return err
	})
	if err != nil {
		return nil, s.mapRepoError(err)
	}
	if err := s.invalidateCached(ctx, id); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventUserDeleted, id, events.UserDeletedPayload{Username: user.Username, Email: user.Email})
	return user, nil
}

// withSession runs fn on a freshly acquired unit of work and always releases it.
func (s *AccountService) withSession(ctx context.Context, fn func(db persistence.DBTX) error) error {
	db, release, err := s.sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer release()
	return fn(db)
}

// invalidateCached runs before and after every write. A failure before the
// write aborts it; the call after discards entries stored by overlapping reads.
func (s *AccountService) invalidateCached(ctx context.Context, id string) error {
	if err := s.cache.Invalidate(ctx, id); err != nil {
		s.logger.Error("user cache invalidation failed", zap.String("user_id", id), zap.Error(err))
		return apperrors.NewInternalError(err)
	}
	return nil
}

func (s *AccountService) mapRepoError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.NewNotFound("User")
	case errors.Is(err, repository.ErrDuplicateUsername):
		return apperrors.NewDuplicateUsername()
	case errors.Is(err, repository.ErrDuplicateEmail):
		return apperrors.NewDuplicateEmail()
	}
	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return apperrors.NewInternalError(err)
}

func (s *AccountService) publish(ctx context.Context, eventType events.EventType, userID string, payload interface{}) {
	if s.dispatcher == nil {
		return
	}
	event := events.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	if err := s.dispatcher.Publish(ctx, event); err != nil {
		s.logger.Warn("event handlers failed", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func parseUserID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", apperrors.NewValidationError("invalid user id", map[string]any{"user_id": "must be a valid UUID"})
	}
	return id.String(), nil
}

func checkPasswordLength(password string) error {
	if len(password) > maxPasswordBytes {
		return apperrors.NewValidationError("invalid payload", map[string]any{"password": "max"})
	}
	return nil
}

func patchFields(p domain.UserPatch) []string {
	fields := []string{}
	if p.Username != nil {
		fields = append(fields, "username")
	}
	if p.FirstName != nil {
		fields = append(fields, "first_name")
	}
	if p.LastName != nil {
		fields = append(fields, "last_name")
	}
	if p.Email != nil {
		fields = append(fields, "email")
	}
	if p.PasswordHash != nil {
		fields = append(fields, "password")
	}
	return fields
}
