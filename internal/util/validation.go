package util

import (
	"slices"

	"github.com/google/uuid"
)

// IsValidUUID reports whether s is a UUID in the canonical lowercase form
// session IDs are issued in. Braced, URN and uppercase forms are rejected so a
// session has exactly one spelling in URLs and Redis channel names.
func IsValidUUID(s string) bool {
	id, err := uuid.Parse(s)
	return err == nil && id.String() == s
}

// IsValidEnum reports whether value is empty or one of validValues. Empty
// means "use the default" at every call site.
func IsValidEnum[T ~string](value T, validValues []T) bool {
	return value == "" || slices.Contains(validValues, value)
}
