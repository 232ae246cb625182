// Package auth handles password accounts and session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"captn/internal/apperr"
	"captn/internal/storage"
)

const minPasswordLen = 8

var errBadCredentials = apperr.New(apperr.KindAuthentication, "invalid email or password")

type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (storage.User, error)
	GetUserByEmail(ctx context.Context, email string) (storage.User, error)
}

type Service struct {
	store  UserStore
	tokens *Tokens
	cost   int
}

func NewService(store UserStore, tokens *Tokens) *Service {
	return &Service{store: store, tokens: tokens, cost: bcrypt.DefaultCost}
}

// Session is a signed-in user and the token that proves it.
type Session struct {
	User  storage.User
	Token string
}

func (s *Service) Signup(ctx context.Context, email, password string) (Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, apperr.Validation("invalid email address")
	}
	if len(password) < minPasswordLen {
		return Session{}, apperr.Validation("password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := s.store.CreateUser(ctx, email, string(hash))
	if errors.Is(err, storage.ErrEmailTaken) {
		return Session{}, apperr.Validation("email already registered")
	}
	if err != nil {
		return Session{}, err
	}
	return s.session(u)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	u, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, errBadCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Session{}, errBadCredentials
	}
	return s.session(u)
}

func (s *Service) Tokens() *Tokens {
	return s.tokens
}

func (s *Service) session(u storage.User) (Session, error) {
	tok, _, err := s.tokens.Issue(u.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: tok}, nil
}
