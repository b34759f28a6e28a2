package core

import (
	"regexp"

	"github.com/google/uuid"
)

var uuidV7Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-7[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// NewRunID returns a time-ordered identifier for a campaign run.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewLeaseToken returns a fresh fencing token for a worker claim.
func NewLeaseToken() string {
	return uuid.New().String()
}

// IsValidRunID reports whether s looks like an id produced by NewRunID.
func IsValidRunID(s string) bool {
	return uuidV7Pattern.MatchString(s)
}
