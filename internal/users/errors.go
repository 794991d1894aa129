package users

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUserDisabled    = errors.New("user is disabled")
	ErrUsernameTaken   = errors.New("username is already taken")
	ErrEmailRegistered = errors.New("email is already registered")
	ErrInvalidPassword = errors.New("invalid password")
)
