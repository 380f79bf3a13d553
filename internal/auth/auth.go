package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/credcoin/clearing/internal/models"
)

// MemberStore is the slice of the ledger holding member credentials.
type MemberStore interface {
	CreateMember(ctx context.Context, handle, passwordHash string) (*models.Member, error)
	GetMemberByHandle(ctx context.Context, handle string) (*models.Member, error)
}

// AuthService handles member authentication and issues the tokens whose
// member IDs sign credex transitions.
type AuthService struct {
	store  MemberStore
	secret []byte
}

// NewAuthService creates a new auth service
func NewAuthService(store MemberStore, secret string) *AuthService {
	return &AuthService{store: store, secret: []byte(secret)}
}

// Register creates a new member with hashed password
func (s *AuthService) Register(ctx context.Context, handle, password string) (*models.Member, error) {
	// Validate input
	if handle == "" {
		return nil, fmt.Errorf("handle cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(handle) > 50 {
		return nil, fmt.Errorf("handle too long (max 50 characters)")
	}
	if len(password) > 100 {
		return nil, fmt.Errorf("password too long (max 100 characters)")
	}

	// Hash the password
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	member, err := s.store.CreateMember(ctx, handle, string(hashedPassword))
	if err != nil {
		return nil, fmt.Errorf("failed to create member: %w", err)
	}
	return member, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, handle, password string) (string, error) {
	member, err := s.store.GetMemberByHandle(ctx, handle)
	if err != nil {
		return "", err
	}

	// Verify password
	if err := bcrypt.CompareHashAndPassword([]byte(member.PasswordHash), []byte(password)); err != nil {
		return "", err
	}

	// Generate JWT
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"member_id": member.ID,
		"handle":    member.Handle,
		"exp":       time.Now().Add(24 * time.Hour).Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", err
	}
	return tokenString, nil
}

// GetMemberFromToken extracts the member ID from a JWT
func (s *AuthService) GetMemberFromToken(tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		memberID, ok := claims["member_id"].(float64)
		if !ok {
			return 0, fmt.Errorf("token has no member_id claim")
		}
		return int(memberID), nil
	}
	return 0, fmt.Errorf("invalid token")
}
