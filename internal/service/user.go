package service

import (
	"context"

	"github.com/samber/lo"

	"github.com/spagchat/internal/model"
	"github.com/spagchat/internal/repository"
)

const (
	DefaultUserListLimit = 50
	MaxUserListLimit     = 500
	maxUserBatch         = 200
)

// UserService is the read-only user directory over the mirrored identities.
type UserService struct {
	users repository.UserStore
}

func NewUserService(users repository.UserStore) *UserService {
	return &UserService{users: users}
}

func (s *UserService) GetUser(ctx context.Context, userID string) (model.UserPublic, error) {
	if err := validateID(userID, "user id"); err != nil {
		return model.UserPublic{}, err
	}
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return model.UserPublic{}, storeError(err, "user")
	}
	return u.ToPublic(), nil
}

// ListUsers returns up to limit users ordered by username; limit 0 means DefaultUserListLimit.
func (s *UserService) ListUsers(ctx context.Context, limit int) ([]model.UserPublic, error) {
	if limit == 0 {
		limit = DefaultUserListLimit
	}
	if limit < 0 || limit > MaxUserListLimit {
		return nil, invalid("limit must be between 1 and %d", MaxUserListLimit)
	}
	users, err := s.users.ListUsers(ctx, limit)
	if err != nil {
		return nil, storeError(err, "users")
	}
	return publicUsers(users), nil
}

// UsersByIDs resolves a batch of ids; unknown ids are skipped.
func (s *UserService) UsersByIDs(ctx context.Context, ids []string) ([]model.UserPublic, error) {
	ids = lo.Uniq(ids)
	if len(ids) > maxUserBatch {
		return nil, invalid("at most %d ids per request", maxUserBatch)
	}
	if err := validate.Var(ids, "required,min=1,dive,uuid"); err != nil {
		return nil, invalid("ids must be a non-empty list of UUIDs")
	}
	users, err := s.users.GetUsers(ctx, ids)
	if err != nil {
		return nil, storeError(err, "users")
	}
	return publicUsers(users), nil
}

func publicUsers(users []model.User) []model.UserPublic {
	return lo.Map(users, func(u model.User, _ int) model.UserPublic { return u.ToPublic() })
}
