package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meddocs/meddocs/internal/domain/tenancy"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type SignupRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	FullName         string `json:"fullName"`
	OrganizationName string `json:"organizationName"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type InvitedSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"fullName"`
	Token    string `json:"token"`
}

// AuthResult is returned by every call that issues a token.
type AuthResult struct {
	Token        string                `json:"token"`
	ExpiresAt    time.Time             `json:"expiresAt"`
	User         *User                 `json:"user"`
	Organization *tenancy.Organization `json:"organization,omitempty"`
}

// NormalizeEmail trims and lower-cases an address for comparison and storage.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
