package auth_test

import (
	"strings"
	"testing"

	"github.com/opentestimony/ot-backend/internal/auth"
)

func TestHashPassword(t *testing.T) {
	password := "correct-horse-battery-staple"

	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("Expected bcrypt prefix, got %s", hash)
	}

	match, err := auth.CheckPassword(password, hash)
	if err != nil {
		t.Errorf("CheckPassword returned error: %v", err)
	}
	if !match {
		t.Errorf("Password did not match hash")
	}

	match, err = auth.CheckPassword("wrong-password", hash)
	if err != nil {
		t.Errorf("CheckPassword returned error: %v", err)
	}
	if match {
		t.Errorf("Wrong password matched hash")
	}
}

func TestHashPasswordTooLong(t *testing.T) {
	_, err := auth.HashPassword(strings.Repeat("x", 73))
	if err != auth.ErrPasswordTooLong {
		t.Errorf("Expected ErrPasswordTooLong, got %v", err)
	}
}
