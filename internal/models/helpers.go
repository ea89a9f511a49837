package models

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func GenerateChallengeID() string {
	return uuid.NewString()
}

func GenerateTransactionID() string {
	return fmt.Sprintf("tx_%s", uuid.NewString())
}

// ValidIdentifier reports whether id is usable as a user, challenge or game
// reference. Identifiers are path segments in the document store.
func ValidIdentifier(id string) bool {
	return identifierPattern.MatchString(id)
}

func FormatCurrency(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

func NewWallet(userID string) *Wallet {
	return &Wallet{UserID: userID}
}
