package acl

import "github.com/google/uuid"

// NewID returns a fresh message or conversation identifier.
func NewID() string {
	return uuid.NewString()
}
