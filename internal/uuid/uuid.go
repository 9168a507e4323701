// Package uuid wraps github.com/google/uuid for identifiers that only need
// to be unique, such as audit event ids.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}
