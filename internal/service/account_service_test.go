package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/account-service/internal/auth"
	"github.com/spec-kit/account-service/internal/cache"
	"github.com/spec-kit/account-service/internal/config"
	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/events"
	"github.com/spec-kit/account-service/internal/persistence"
	"github.com/spec-kit/account-service/internal/repository"
	apperrors "github.com/spec-kit/account-service/pkg/util/errorutil"
)

// --- helpers ---

type countingSessions struct {
	acquired atomic.Int32
	released atomic.Int32
	err      error
}

func (c *countingSessions) Acquire(context.Context) (persistence.DBTX, func(), error) {
	if c.err != nil {
		return nil, func() {}, c.err
	}
	c.acquired.Add(1)
	return nil, func() { c.released.Add(1) }, nil
}

type failingRepo struct {
	repository.UserRepository
	err error
}

func (f failingRepo) Create(context.Context, persistence.DBTX, *domain.User) error { return f.err }
func (f failingRepo) GetByUsername(context.Context, persistence.DBTX, string) (*domain.User, error) {
	return nil, f.err
}

type recordingCache struct {
	cache.NoopUserCache
	stored      map[string]*domain.User
	invalidated []string
	failOn      int
}

func (r *recordingCache) Get(_ context.Context, id string) (*domain.User, int64, bool) {
	u, ok := r.stored[id]
	return u, 0, ok
}
func (r *recordingCache) Set(_ context.Context, u *domain.User, _ int64) { r.stored[u.ID] = u }
func (r *recordingCache) Invalidate(_ context.Context, id string) error {
	r.invalidated = append(r.invalidated, id)
	if r.failOn == len(r.invalidated) {
		return errors.New("redis: connection reset")
	}
	delete(r.stored, id)
	return nil
}

// pausingRepo blocks the next GetByID after its read until resume is closed.
type pausingRepo struct {
	repository.UserRepository
	pause  atomic.Bool
	read   chan struct{}
	resume chan struct{}
}

func (p *pausingRepo) GetByID(ctx context.Context, db persistence.DBTX, id string) (*domain.User, error) {
	u, err := p.UserRepository.GetByID(ctx, db, id)
	if p.pause.CompareAndSwap(true, false) {
		p.read <- struct{}{}
		<-p.resume
	}
	return u, err
}

func newRedisCache(t *testing.T) (cache.UserCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisUserCache(client, 5*time.Minute, zap.NewNop()), mr
}

func testConfig() config.Config {
	return config.Config{Auth: config.AuthConfig{
		JWTSecret:             "test-secret",
		JWTAlgorithm:          "HS256",
		AccessTokenTTLMinutes: 30,
		BcryptCost:            bcrypt.MinCost,
	}}
}

func newTestService(t *testing.T, deps AccountDependencies) *AccountService {
	t.Helper()
	if deps.UserRepo == nil {
		deps.UserRepo = repository.NewInMemoryUserRepository()
	}
	svc, err := NewAccountService(testConfig(), deps)
	require.NoError(t, err)
	return svc
}

func userA() RegisterInput {
	return RegisterInput{Username: "user1", FirstName: "Test", LastName: "User", Email: "a@x.com", Password: "testpassword"}
}

func ptr(s string) *string { return &s }

// --- tests ---

func TestNewAccountService_BadAlgorithm(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTAlgorithm = "RS256"
	_, err := NewAccountService(cfg, AccountDependencies{UserRepo: repository.NewInMemoryUserRepository()})
	assert.Error(t, err)
}

func TestRegister_HashesPassword(t *testing.T) {
	repo := repository.NewInMemoryUserRepository()
	svc := newTestService(t, AccountDependencies{UserRepo: repo})

	user, err := svc.Register(context.Background(), userA())
	require.NoError(t, err)
	_, err = uuid.Parse(user.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "testpassword", user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("testpassword")))

	stored, err := repo.GetByID(context.Background(), nil, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.PasswordHash, stored.PasswordHash)
	assert.False(t, stored.CreatedAt.After(stored.UpdatedAt))
}

func TestRegister_Duplicates(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()

	_, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	_, err = svc.Register(ctx, userA())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEmail), "identical registration reports the email first: %v", err)

	sameEmail := userA()
	sameEmail.Username = "user2"
	_, err = svc.Register(ctx, sameEmail)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateEmail))

	sameUsername := userA()
	sameUsername.Email = "other@x.com"
	_, err = svc.CreateUser(ctx, sameUsername)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateUsername))
}

func TestRegister_PersistenceFailureIsInternal(t *testing.T) {
	svc := newTestService(t, AccountDependencies{UserRepo: failingRepo{err: errors.New("db error: connection refused")}})

	_, err := svc.Register(context.Background(), userA())
	de := apperrors.ToDomainError(err)
	assert.Equal(t, apperrors.CodeInternal, de.Code)
	assert.NotContains(t, de.Message, "connection refused")
}

func TestRegister_PasswordTooLong(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	in := userA()
	in.Password = string(make([]byte, 73))

	_, err := svc.Register(context.Background(), in)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
}

func TestRegister_PublishesEvent(t *testing.T) {
	dispatcher := events.NewInMemoryDispatcher()
	var got []events.Event
	dispatcher.Subscribe(events.EventUserRegistered, func(_ context.Context, e events.Event) error {
		got = append(got, e)
		return errors.New("handler failures are only logged")
	})
	svc := newTestService(t, AccountDependencies{Dispatcher: dispatcher, Logger: zap.NewNop()})

	user, err := svc.CreateUser(context.Background(), userA())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, user.ID, got[0].UserID)
	payload, ok := got[0].Payload.(events.UserRegisteredPayload)
	require.True(t, ok)
	assert.True(t, payload.Administrative)
	assert.Equal(t, "a@x.com", payload.Email)
}

func TestLogin(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	tok, err := svc.Login(ctx, "user1", "testpassword")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Token)
	assert.Equal(t, "bearer", tok.Type)
	assert.Equal(t, user.ID, tok.SubjectID)

	cfg := testConfig()
	tm, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.JWTAlgorithm, cfg.Auth.AccessTokenTTL())
	require.NoError(t, err)
	claims, err := tm.ParseToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.SubjectID())
}

func TestLogin_InvalidCredentialsAreIndistinguishable(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()
	_, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	_, wrongPassword := svc.Login(ctx, "user1", "wrongpassword")
	_, unknownUser := svc.Login(ctx, "invaliduser", "testpassword")

	for _, err := range []error{wrongPassword, unknownUser} {
		de := apperrors.ToDomainError(err)
		assert.Equal(t, apperrors.CodeInvalidCredentials, de.Code)
		assert.Equal(t, "Invalid credentials", de.Message)
	}
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
}

func TestLogin_LookupFailureIsInternal(t *testing.T) {
	svc := newTestService(t, AccountDependencies{UserRepo: failingRepo{err: errors.New("db error: timeout")}})

	_, err := svc.Login(context.Background(), "user1", "testpassword")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)
	tok, err := svc.Login(ctx, "user1", "testpassword")
	require.NoError(t, err)

	me, err := svc.Authenticate(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, me.ID)

	_, err = svc.Authenticate(ctx, "garbage")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidToken))

	_, err = svc.DeleteUser(ctx, user.ID)
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, tok.Token)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidToken), "token for a deleted user is rejected")
}

func TestGetters(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	got, err := svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "user1", got.Username)

	got, err = svc.GetUserByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	id, err := svc.GetUserIDByUsername(ctx, "user1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)

	id, err = svc.GetUserIDByEmail(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, id)

	_, err = svc.GetUser(ctx, uuid.NewString())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	_, err = svc.GetUserByEmail(ctx, "ghost@x.com")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	_, err = svc.GetUserIDByUsername(ctx, "ghost")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	_, err = svc.GetUserIDByEmail(ctx, "ghost@x.com")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	_, err = svc.GetUser(ctx, "not-a-uuid")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
}

func TestGetUser_UsesCache(t *testing.T) {
	rc := &recordingCache{stored: map[string]*domain.User{}}
	svc := newTestService(t, AccountDependencies{Cache: rc})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	_, err = svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	require.Contains(t, rc.stored, user.ID)

	rc.stored[user.ID] = &domain.User{ID: user.ID, Username: "from-cache"}
	got, err := svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "from-cache", got.Username)

	_, err = svc.UpdateUser(ctx, user.ID, UpdateInput{FirstName: ptr("New")})
	require.NoError(t, err)
	assert.NotContains(t, rc.stored, user.ID)

	got, err = svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "New", got.FirstName)

	_, err = svc.DeleteUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{user.ID, user.ID, user.ID, user.ID}, rc.invalidated)
	_, err = svc.GetUser(ctx, user.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestGetUser_ReadOverlappingDeleteIsNotCached(t *testing.T) {
	rc, _ := newRedisCache(t)
	repo := &pausingRepo{
		UserRepository: repository.NewInMemoryUserRepository(),
		read:           make(chan struct{}),
		resume:         make(chan struct{}),
	}
	svc := newTestService(t, AccountDependencies{UserRepo: repo, Cache: rc})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	repo.pause.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := svc.GetUser(ctx, user.ID)
		done <- err
	}()

	<-repo.read
	_, err = svc.DeleteUser(ctx, user.ID)
	require.NoError(t, err)
	close(repo.resume)
	require.NoError(t, <-done)

	_, err = svc.GetUser(ctx, user.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound), "deleted user served from cache: %v", err)
}

func TestGetUser_ReadOverlappingUpdateIsNotCached(t *testing.T) {
	rc, _ := newRedisCache(t)
	repo := &pausingRepo{
		UserRepository: repository.NewInMemoryUserRepository(),
		read:           make(chan struct{}),
		resume:         make(chan struct{}),
	}
	svc := newTestService(t, AccountDependencies{UserRepo: repo, Cache: rc})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	repo.pause.Store(true)
	done := make(chan error, 1)
	go func() {
		_, err := svc.GetUser(ctx, user.ID)
		done <- err
	}()

	<-repo.read
	_, err = svc.UpdateUser(ctx, user.ID, UpdateInput{FirstName: ptr("Renamed")})
	require.NoError(t, err)
	close(repo.resume)
	require.NoError(t, <-done)

	got, err := svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.FirstName)
}

func TestDeleteUser_CacheUnavailableFailsWithoutDeleting(t *testing.T) {
	rc, mr := newRedisCache(t)
	svc := newTestService(t, AccountDependencies{Cache: rc})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)
	_, err = svc.GetUser(ctx, user.ID)
	require.NoError(t, err)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, err = svc.DeleteUser(ctx, user.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
	_, err = svc.UpdateUser(ctx, user.ID, UpdateInput{FirstName: ptr("Renamed")})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
	mr.SetError("")

	got, err := svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Test", got.FirstName)

	_, err = svc.DeleteUser(ctx, user.ID)
	require.NoError(t, err)
	_, err = svc.GetUser(ctx, user.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestDeleteUser_InvalidationAfterWriteFails(t *testing.T) {
	rc := &recordingCache{stored: map[string]*domain.User{}, failOn: 2}
	svc := newTestService(t, AccountDependencies{Cache: rc})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	_, err = svc.DeleteUser(ctx, user.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
	assert.Equal(t, []string{user.ID, user.ID}, rc.invalidated)
}

func TestListUsers(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()

	users, err := svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.NotNil(t, users)
	assert.Empty(t, users)

	_, err = svc.Register(ctx, userA())
	require.NoError(t, err)
	users, err = svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestUpdateUser_Partial(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	updated, err := svc.UpdateUser(ctx, user.ID, UpdateInput{Username: ptr("renamed")})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Username)
	assert.Equal(t, user.Email, updated.Email)
	assert.Equal(t, user.FirstName, updated.FirstName)
	assert.Equal(t, user.LastName, updated.LastName)
	assert.Equal(t, user.PasswordHash, updated.PasswordHash)
	assert.True(t, updated.UpdatedAt.After(user.UpdatedAt))

	_, err = svc.UpdateUser(ctx, user.ID, UpdateInput{Password: ptr("new-password")})
	require.NoError(t, err)
	_, err = svc.Login(ctx, "renamed", "testpassword")
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInvalidCredentials))
	_, err = svc.Login(ctx, "renamed", "new-password")
	assert.NoError(t, err)
}

func TestUpdateUser_Errors(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()
	_, err := svc.Register(ctx, userA())
	require.NoError(t, err)
	other := userA()
	other.Username, other.Email = "user2", "b@x.com"
	second, err := svc.Register(ctx, other)
	require.NoError(t, err)

	_, err = svc.UpdateUser(ctx, second.ID, UpdateInput{Username: ptr("user1")})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeDuplicateUsername))

	_, err = svc.UpdateUser(ctx, uuid.NewString(), UpdateInput{Username: ptr("x")})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))

	_, err = svc.UpdateUser(ctx, "42", UpdateInput{})
	assert.True(t, apperrors.HasCode(err, apperrors.CodeValidationFailed))
}

func TestDeleteUser_Permanent(t *testing.T) {
	svc := newTestService(t, AccountDependencies{})
	ctx := context.Background()
	user, err := svc.Register(ctx, userA())
	require.NoError(t, err)

	deleted, err := svc.DeleteUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "user1", deleted.Username)

	_, err = svc.GetUser(ctx, user.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
	_, err = svc.DeleteUser(ctx, user.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeNotFound))
}

func TestSessionsAlwaysReleased(t *testing.T) {
	sessions := &countingSessions{}
	svc := newTestService(t, AccountDependencies{Sessions: sessions})
	ctx := context.Background()

	user, _ := svc.Register(ctx, userA())
	_, _ = svc.Register(ctx, userA())
	_, _ = svc.Login(ctx, "user1", "bad")
	_, _ = svc.Login(ctx, "nobody", "bad")
	_, _ = svc.GetUser(ctx, user.ID)
	_, _ = svc.GetUser(ctx, uuid.NewString())
	_, _ = svc.UpdateUser(ctx, uuid.NewString(), UpdateInput{})
	_, _ = svc.DeleteUser(ctx, user.ID)
	_, _ = svc.ListUsers(ctx)

	assert.Equal(t, int32(9), sessions.acquired.Load())
	assert.Equal(t, sessions.acquired.Load(), sessions.released.Load())
}

func TestSessionAcquireFailure(t *testing.T) {
	svc := newTestService(t, AccountDependencies{Sessions: &countingSessions{err: persistence.ErrNoDatabase}})

	_, err := svc.Register(context.Background(), userA())
	assert.True(t, apperrors.HasCode(err, apperrors.CodeInternal))
}
