package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// Cost is the bcrypt work factor for newly hashed passwords. Existing
// hashes verify at whatever cost they were created with.
const Cost = 12

var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	if len(password) > 72 {
		// bcrypt silently truncates beyond 72 bytes; refuse instead.
		return "", ErrPasswordTooLong
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a password against an encoded hash.
func CheckPassword(password, encodedHash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
