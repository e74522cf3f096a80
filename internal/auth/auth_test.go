package auth

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)

	token, err := svc.GenerateToken("alice")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("claims.Subject = %q, want alice", claims.Subject)
	}
	if claims.Username != "alice" {
		t.Fatalf("claims.Username = %q, want %q", claims.Username, "alice")
	}
}

func TestValidateTokenExpired(t *testing.T) {
	svc := NewService("test-secret-1234567890", -time.Minute)

	token, err := svc.GenerateToken("expired")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	_, err = svc.ValidateToken(token)
	if err != ErrTokenExpired {
		t.Fatalf("ValidateToken error = %v, want %v", err, ErrTokenExpired)
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour)

	hash, err := svc.HashPassword("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	if err := svc.CheckPassword(hash, "correct-horse-battery-staple"); err != nil {
		t.Fatalf("CheckPassword(valid): %v", err)
	}

	if err := svc.CheckPassword(hash, "wrong-password"); err != ErrInvalidCredentials {
		t.Fatalf("CheckPassword(invalid) error = %v, want %v", err, ErrInvalidCredentials)
	}
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(hash)
}

func TestAuthenticateConfiguredUsers(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour, User{Username: "alice", PasswordHash: mustHash(t, "s3cret")})

	if err := svc.Authenticate("alice", "s3cret"); err != nil {
		t.Fatalf("Authenticate(valid): %v", err)
	}
	if err := svc.Authenticate("alice", "nope"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate(wrong password) = %v", err)
	}
	if err := svc.Authenticate("mallory", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("Authenticate(unknown user) = %v", err)
	}
	if !svc.HasUser("alice") || svc.HasUser("mallory") {
		t.Fatal("HasUser mismatch")
	}
}

func TestAuthenticateBasicAcceptsPasswordOrToken(t *testing.T) {
	svc := NewService("test-secret-1234567890", time.Hour, User{Username: "alice", PasswordHash: mustHash(t, "s3cret")})
	token, err := svc.GenerateToken("alice")
	if err != nil {
		t.Fatal(err)
	}

	for _, password := range []string{"s3cret", token} {
		claims, err := svc.AuthenticateBasic("alice", password)
		if err != nil {
			t.Fatalf("AuthenticateBasic: %v", err)
		}
		if claims.Username != "alice" {
			t.Fatalf("claims.Username = %q", claims.Username)
		}
	}

	if _, err := svc.AuthenticateBasic("bob", token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("token presented for another user: err = %v", err)
	}
	if _, err := svc.AuthenticateBasic("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password: err = %v", err)
	}
}
