package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"captn/internal/apperr"
	"captn/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type memUsers struct {
	byEmail map[string]storage.User
}

func (m *memUsers) CreateUser(_ context.Context, email, hash string) (storage.User, error) {
	if _, ok := m.byEmail[email]; ok {
		return storage.User{}, storage.ErrEmailTaken
	}
	u := storage.User{ID: int64(len(m.byEmail) + 1), Email: email, PasswordHash: hash}
	m.byEmail[email] = u
	return u, nil
}

func (m *memUsers) GetUserByEmail(_ context.Context, email string) (storage.User, error) {
	u, ok := m.byEmail[email]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func newTestService() *Service {
	s := NewService(&memUsers{byEmail: map[string]storage.User{}}, NewTokens(testSecret, time.Hour))
	s.cost = bcrypt.MinCost
	return s
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	sess, err := s.Signup(ctx, " Captain@Example.com ", "hunter22!")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if sess.User.Email != "captain@example.com" || sess.Token == "" {
		t.Fatalf("unexpected session %+v", sess)
	}
	id, err := s.Tokens().Parse(sess.Token)
	if err != nil || id != sess.User.ID {
		t.Fatalf("token should carry user id, got %d err=%v", id, err)
	}

	if _, err := s.Login(ctx, "captain@example.com", "hunter22!"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := s.Login(ctx, "captain@example.com", "wrong-pass"); apperr.KindOf(err) != apperr.KindAuthentication {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if _, err := s.Login(ctx, "nobody@example.com", "hunter22!"); apperr.KindOf(err) != apperr.KindAuthentication {
		t.Fatalf("expected authentication failure for unknown user, got %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if _, err := s.Signup(ctx, "not-an-email", "hunter22!"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation failure for email, got %v", err)
	}
	if _, err := s.Signup(ctx, "a@example.com", "short"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation failure for password, got %v", err)
	}
	if _, err := s.Signup(ctx, "a@example.com", "hunter22!"); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, err := s.Signup(ctx, "a@example.com", "hunter22!"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected duplicate email rejected, got %v", err)
	}
}

func TestTokensRejectTamperingAndExpiry(t *testing.T) {
	tokens := NewTokens(testSecret, time.Minute)
	tok, _, err := tokens.Issue(7)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewTokens("fedcba9876543210fedcba9876543210", time.Minute)
	if _, err := other.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign secret rejected, got %v", err)
	}

	tokens.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := tokens.Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
}
