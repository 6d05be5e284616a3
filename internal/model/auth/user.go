package auth

import "errors"

// ErrIncompleteProfile is returned when required identity fields are missing.
var ErrIncompleteProfile = errors.New("profile requires uid, email and name")

// UserProfile identifies an authenticated user. Identity fields are set once
// from the identity provider; name and photo may be refreshed on later logins.
type UserProfile struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Photo string `json:"photo,omitempty"`
}

// Validate checks that the required identity fields are present.
func (p UserProfile) Validate() error {
	if p.UID == "" || p.Email == "" || p.Name == "" {
		return ErrIncompleteProfile
	}
	return nil
}
