package repository

import (
	"errors"
	"strings"
)

// Common repository errors
var (
	ErrNotFound       = errors.New("entity not found")
	ErrDuplicateKey   = errors.New("duplicate key violation")
	ErrOptimisticLock = errors.New("optimistic lock failure")
	ErrInvalidInput   = errors.New("invalid input")
)

// IsNotFound reports whether an error is a missing-entity failure
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateKey reports whether an error is a unique-key violation,
// either ours or one surfaced by the database driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	return strings.Contains(err.Error(), "duplicate key")
}

// IsOptimisticLock reports whether an update lost a version race
func IsOptimisticLock(err error) bool {
	return errors.Is(err, ErrOptimisticLock)
}
