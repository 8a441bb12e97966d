package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random opaque id, optionally namespaced by prefix.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewNodeID returns the id used for canvas nodes and edges. Node ids are
// generated on the client at creation time and never reused.
func NewNodeID() string {
	return uuid.NewString()
}
