package tokens_test

import (
	"testing"
	"time"

	"github.com/opentestimony/ot-backend/internal/tokens"
)

func TestTokenGeneration(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key", time.Hour)
	userID := "user-123"

	token, err := mgr.GenerateSessionToken(userID, "staff")
	if err != nil {
		t.Fatalf("Failed to generate session token: %v", err)
	}

	claims, err := mgr.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}

	if claims.UserID != userID {
		t.Errorf("Expected UserID %s, got %s", userID, claims.UserID)
	}
	if claims.Role != "staff" {
		t.Errorf("Expected role staff, got %s", claims.Role)
	}
	if claims.ID == "" {
		t.Error("Expected a jti to be set")
	}
}

func TestInvalidSignature(t *testing.T) {
	mgr1 := tokens.NewManager("secret-1", time.Hour)
	mgr2 := tokens.NewManager("secret-2", time.Hour)

	token, _ := mgr1.GenerateSessionToken("u1", "admin")
	_, err := mgr2.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation error for wrong signature")
	}
}

func TestExpiredToken(t *testing.T) {
	mgr := tokens.NewManager("secret", -time.Minute)

	token, _ := mgr.GenerateSessionToken("u1", "staff")
	_, err := mgr.ValidateToken(token)
	if err == nil {
		t.Error("Expected validation error for expired token")
	}
}
