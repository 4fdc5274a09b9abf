package domain

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable identifier with the given prefix,
// e.g. "task_01J...".
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewAgentID returns a random agent identifier.
func NewAgentID() string {
	return uuid.NewString()
}
