package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"skillsync-chat/internal/models"
)

// UserProfileRepo reads the user_profiles table, which the account
// subsystem keeps in sync.
type UserProfileRepo struct {
	db *sqlx.DB
}

// NewUserProfileRepo constructs a UserProfileRepo.
func NewUserProfileRepo(db *sqlx.DB) *UserProfileRepo {
	return &UserProfileRepo{db: db}
}

// Profiles fetches multiple users in one query. Unknown ids are absent from the result.
func (r *UserProfileRepo) Profiles(ctx context.Context, ids []string) (map[string]models.UserProfile, error) {
	out := make(map[string]models.UserProfile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.UserProfile
	if err := r.db.SelectContext(ctx, &users, `SELECT id, COALESCE(name, '') AS name, COALESCE(avatar_url, '') AS avatar_url FROM user_profiles WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}
