package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("invalid username or password")

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Admin is the single account allowed to log in to the API.
type Admin struct {
	Username     string
	PasswordHash string
}

func (a Admin) Configured() bool {
	return a.Username != "" && a.PasswordHash != ""
}

func (a Admin) Verify(username, password string) error {
	if !a.Configured() {
		return ErrBadCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.Username)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password))
	if !userOK || passErr != nil {
		return ErrBadCredentials
	}
	return nil
}
