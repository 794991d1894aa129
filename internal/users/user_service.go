package users

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/haiminh/tfauth/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type CreateUserOptions struct {
	Username string
	FullName string
	Email    string
	Password string
}

type UserService struct {
	userRepo UserRepository
}

func (s *UserService) GetUserByID(ctx context.Context, userID uint) (*model.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *UserService) GetUserByUsernameOrEmail(ctx context.Context, identifier string) (*model.User, error) {
	var (
		user *model.User
		err  error
	)
	if _, err = mail.ParseAddress(identifier); err == nil {
		user, err = s.userRepo.GetByEmail(ctx, identifier)
	} else {
		user, err = s.userRepo.GetByUsername(ctx, identifier)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// VerifyPassword checks the account password for the given user. Callers use
// this to re-authenticate before sensitive 2FA state changes.
func (s *UserService) VerifyPassword(ctx context.Context, userID uint, password string) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Disabled {
		return ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

func (s *UserService) CreateUser(ctx context.Context, opts CreateUserOptions) (*model.User, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := model.User{
		Username: opts.Username,
		FullName: opts.FullName,
		Email:    opts.Email,
		Password: string(passwordHash),
	}

	var mysqlErr *mysql.MySQLError
	if err := s.userRepo.Create(ctx, &user); errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		if strings.Contains(mysqlErr.Message, "username") {
			return nil, ErrUsernameTaken
		}
		return nil, ErrEmailRegistered
	} else if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *UserService) UpdatePassword(ctx context.Context, userID uint, newPassword string) error {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	rows, err := s.userRepo.Updates(ctx, userID, map[string]interface{}{"password": string(passwordHash)})
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func NewUserService(userRepo UserRepository) *UserService {
	return &UserService{
		userRepo: userRepo,
	}
}
