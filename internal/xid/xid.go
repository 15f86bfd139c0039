package xid

import (
	"github.com/google/uuid"
)

// New returns a prefixed random identifier, e.g. "led-5f0c…". Version 7
// UUIDs keep ids roughly time-ordered in indexes.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
