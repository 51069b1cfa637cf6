package users

import (
	"fmt"
	"time"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// User is a local account for the basic-auth fallback provider. Fields mirror
// the identity shape the EIAM broker asserts so the two providers produce the
// same Principal.
type User struct {
	ID           string    `json:"id,omitempty"`          // Unique identifier for the user
	Email        string    `json:"email,omitempty"`       // User's email address
	Username     string    `json:"username,omitempty"`    // Unique username
	PasswordHash string    `json:"-"`                     // Hashed version of the user's password - never serialize
	Name         string    `json:"name,omitempty"`        // Display name
	GivenName    string    `json:"given_name,omitempty"`  // First name of the user
	FamilyName   string    `json:"family_name,omitempty"` // Last name of the user
	Roles        []string  `json:"roles,omitempty"`       // Role names exposed on the Principal
	Department   string    `json:"department,omitempty"`
	Organization string    `json:"organization,omitempty"`
	DateJoined   time.Time `json:"date_joined,omitempty"` // Date and time when the user was created
	LastLogin    time.Time `json:"last_login,omitempty"`  // Last time the user logged in

	Blocked bool `json:"blocked,omitempty"` // Blocked, has the user been blocked from logging in
}

// HasRole checks if the user carries a specific role
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ValidatePasswordStrength checks if password meets security requirements:
// - At least 8 characters long
// - Contains uppercase and lowercase letters
// - Contains at least one number
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters long")
	}

	var (
		hasUpper  bool
		hasLower  bool
		hasNumber bool
	)

	for _, char := range password {
		if unicode.IsUpper(char) {
			hasUpper = true
		} else if unicode.IsLower(char) {
			hasLower = true
		} else if unicode.IsDigit(char) {
			hasNumber = true
		}
	}

	if !hasUpper {
		return fmt.Errorf("password must contain at least one uppercase letter")
	}
	if !hasLower {
		return fmt.Errorf("password must contain at least one lowercase letter")
	}
	if !hasNumber {
		return fmt.Errorf("password must contain at least one number")
	}

	return nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}
