package util

import (
	"strings"

	"github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.NewString()
}

// GenerateReference returns a short upper-case reference such as "BNK-1F3A9C0D2B7E"
// that a user can type into a bank transfer description.
func GenerateReference(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(raw[:12])
}
