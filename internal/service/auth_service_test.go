package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestAuthService_SignupAndLogin(t *testing.T) {
	users := newMemUserStore()
	svc := NewAuthService(users, "test-secret", zap.NewNop())

	u, err := svc.Signup(context.Background(), "ada@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if u.PasswordHash == "correct horse" {
		t.Fatal("password must not be stored in plain text")
	}

	token, err := svc.Login(context.Background(), "ada@example.com", "correct horse")
	if err != nil {
		t.Fatal(err)
	}

	userID, err := svc.ParseToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if userID != u.ID {
		t.Errorf("token subject = %d, want %d", userID, u.ID)
	}
}

func TestAuthService_LoginRejectsBadPassword(t *testing.T) {
	users := newMemUserStore()
	svc := NewAuthService(users, "test-secret", zap.NewNop())

	if _, err := svc.Signup(context.Background(), "ada@example.com", "correct horse"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Login(context.Background(), "ada@example.com", "wrong horse")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}

	_, err = svc.Login(context.Background(), "nobody@example.com", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials for an unknown user", err)
	}
}

func TestAuthService_SignupValidation(t *testing.T) {
	svc := NewAuthService(newMemUserStore(), "test-secret", zap.NewNop())

	if _, err := svc.Signup(context.Background(), "", "longenough"); err == nil {
		t.Error("empty email should be rejected")
	}
	if _, err := svc.Signup(context.Background(), "a@b.c", "short"); err == nil {
		t.Error("short password should be rejected")
	}
}

func TestAuthService_ParseTokenRejectsForgeries(t *testing.T) {
	svc := NewAuthService(newMemUserStore(), "test-secret", zap.NewNop())
	other := NewAuthService(newMemUserStore(), "other-secret", zap.NewNop())

	token, err := other.issueToken(42)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.ParseToken(token); err == nil {
		t.Error("token signed with a different secret must be rejected")
	}
	if _, err := svc.ParseToken("not-a-token"); err == nil {
		t.Error("garbage must be rejected")
	}
}
