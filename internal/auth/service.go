// Package auth issues and validates access tokens for the event source
// API. Users live in the same backing store as everything else; the
// service reaches them through the source interface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/entraide/beacon/internal/source"
)

var (
	// ErrInvalidCredentials is returned when username/password don't match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when registering an existing username.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidUsername is returned when the username is out of bounds.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidPassword is returned when the password is too short.
	ErrInvalidPassword = errors.New("invalid password")
)

const usersTable = "users"

// Service provides registration, login, and token validation.
type Service struct {
	src source.Source
	jwt *JWTConfig
}

// NewService creates an authentication service over the given source.
func NewService(src source.Source, jwtConfig *JWTConfig) *Service {
	return &Service{src: src, jwt: jwtConfig}
}

// Register creates a user with a hashed password and returns a token.
func (s *Service) Register(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 32 {
		return "", ErrInvalidUsername
	}
	if len(password) < 6 {
		return "", ErrInvalidPassword
	}

	existing, err := s.userByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return "", ErrUserExists
	}

	hashed, err := HashPassword(password)
	if err != nil {
		return "", err
	}

	row, err := s.src.Insert(ctx, usersTable, source.Row{
		"username":      username,
		"password_hash": hashed,
	})
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}

	token, err := GenerateToken(s.jwt, row.String("id"), username)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// Login validates credentials and returns a token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.userByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}
	if err := ComparePassword(user.String("password_hash"), password); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := GenerateToken(s.jwt, user.String("id"), user.String("username"))
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// ValidateToken validates a token string and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwt, tokenString)
}

func (s *Service) userByUsername(ctx context.Context, username string) (source.Row, error) {
	rows, err := s.src.Query(ctx, usersTable,
		[]source.Filter{source.Eq("username", username)}, source.Order{Field: "created_at"})
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}
