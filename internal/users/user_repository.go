package users

import (
	"context"

	"github.com/haiminh/tfauth/model"
	"gorm.io/gorm"
)

type UserRepository interface {
	GetByID(ctx context.Context, userID uint) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Create(ctx context.Context, user *model.User) error
	Updates(ctx context.Context, userID uint, columns map[string]interface{}) (int64, error)
}

type userRepository struct {
	db *gorm.DB
}

func (r *userRepository) GetByID(ctx context.Context, userID uint) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	return r.db.WithContext(ctx).Create(user).Error
}

func (r *userRepository) Updates(ctx context.Context, userID uint, columns map[string]interface{}) (int64, error) {
	ret := r.db.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Updates(columns)
	return ret.RowsAffected, ret.Error
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db}
}
