package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spec-kit/account-service/internal/domain"
	"github.com/spec-kit/account-service/internal/persistence"
)

// memoryUserRepository keeps users in process memory. It ignores the session
// argument and enforces the same uniqueness rules as the users table, checking
// email before username.
type memoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]domain.User
	now   func() time.Time
}

// NewInMemoryUserRepository returns a process-local implementation used when
// no database is configured.
func NewInMemoryUserRepository() UserRepository {
	return &memoryUserRepository{
		users: make(map[string]domain.User),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (r *memoryUserRepository) Create(_ context.Context, _ persistence.DBTX, user *domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkUnique("", user.Username, user.Email); err != nil {
		return err
	}
	now := r.now()
	user.CreatedAt = now
	user.UpdatedAt = now
	r.users[user.ID] = *user
	return nil
}

func (r *memoryUserRepository) GetByID(_ context.Context, _ persistence.DBTX, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

func (r *memoryUserRepository) GetByEmail(_ context.Context, _ persistence.DBTX, email string) (*domain.User, error) {
	return r.find(func(u domain.User) bool { return u.Email == email })
}

func (r *memoryUserRepository) GetByUsername(_ context.Context, _ persistence.DBTX, username string) (*domain.User, error) {
	return r.find(func(u domain.User) bool { return u.Username == username })
}

func (r *memoryUserRepository) GetIDByUsername(ctx context.Context, db persistence.DBTX, username string) (string, error) {
	user, err := r.GetByUsername(ctx, db, username)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (r *memoryUserRepository) GetIDByEmail(ctx context.Context, db persistence.DBTX, email string) (string, error) {
	user, err := r.GetByEmail(ctx, db, email)
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

func (r *memoryUserRepository) List(_ context.Context, _ persistence.DBTX) ([]domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.User, 0, len(r.users))
	for _, u := range r.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *memoryUserRepository) Update(_ context.Context, _ persistence.DBTX, id string, patch domain.UserPatch) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}

	next := user
	if patch.Username != nil {
		next.Username = *patch.Username
	}
	if patch.FirstName != nil {
		next.FirstName = *patch.FirstName
	}
	if patch.LastName != nil {
		next.LastName = *patch.LastName
	}
	if patch.Email != nil {
		next.Email = *patch.Email
	}
	if patch.PasswordHash != nil {
		next.PasswordHash = *patch.PasswordHash
	}
	if err := r.checkUnique(id, next.Username, next.Email); err != nil {
		return nil, err
	}

	now := r.now()
	if !now.After(user.UpdatedAt) {
		now = user.UpdatedAt.Add(time.Microsecond)
	}
	next.UpdatedAt = now
	r.users[id] = next
	return &next, nil
}

func (r *memoryUserRepository) Delete(_ context.Context, _ persistence.DBTX, id string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(r.users, id)
	return &user, nil
}

func (r *memoryUserRepository) find(match func(domain.User) bool) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

// checkUnique must be called with the write lock held.
func (r *memoryUserRepository) checkUnique(selfID, username, email string) error {
	for id, u := range r.users {
		if id != selfID && u.Email == email {
			return ErrDuplicateEmail
		}
	}
	for id, u := range r.users {
		if id != selfID && u.Username == username {
			return ErrDuplicateUsername
		}
	}
	return nil
}
