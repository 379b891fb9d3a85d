package models

import (
	"errors"
	"time"
)

// ErrEmptyID is returned when an identity value is built from an empty string.
var ErrEmptyID = errors.New("id cannot be empty")

// CorrelationKey pairs an identifier with the moment it was recorded.
// Only ID takes part in equality; CreatedAt is used for expiry.
type CorrelationKey struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

func NewCorrelationKey(id string, now time.Time) (CorrelationKey, error) {
	if id == "" {
		return CorrelationKey{}, ErrEmptyID
	}
	return CorrelationKey{ID: id, CreatedAt: now}, nil
}

// Equal reports whether both keys name the same identifier.
func (k CorrelationKey) Equal(other CorrelationKey) bool {
	return k.ID == other.ID
}

// Expired reports whether the key is stale at now for the given ttl.
func (k CorrelationKey) Expired(now time.Time, ttl time.Duration) bool {
	return !now.Before(k.CreatedAt.Add(ttl))
}
