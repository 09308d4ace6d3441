package domain

import "github.com/google/uuid"

// User is the resolved identity of a caller. Authentication itself happens
// outside this service; by the time a User exists the caller is trusted.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

func NewGuestUser(name string) User {
	return User{
		ID:   "guest-" + uuid.New().String(),
		Name: name,
	}
}
