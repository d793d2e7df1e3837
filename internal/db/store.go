package db

import (
	"github.com/google/uuid"
)

// uuidStrings converts ids for use with `= ANY($n::uuid[])`.
func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
