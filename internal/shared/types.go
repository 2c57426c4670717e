package shared

import "github.com/google/uuid"

func NewID(prefix string) string {
	return prefix + uuid.NewString()
}
