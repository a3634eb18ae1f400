package id

import "github.com/google/uuid"

// New returns a time-ordered UUID, falling back to a random one if the clock source fails.
func New() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}
