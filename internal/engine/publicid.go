package engine

import (
	"fmt"
	"strings"
	"unicode"

	"procureline/internal/domain"
)

const maxInitials = 3

// initials builds the public id prefix from a user's display name, falling
// back to the user id.
func initials(u domain.User) string {
	var out []rune
	for _, word := range strings.Fields(u.DisplayName) {
		for _, r := range word {
			if unicode.IsLetter(r) {
				out = append(out, unicode.ToUpper(r))
				break
			}
		}
		if len(out) == maxInitials {
			break
		}
	}
	if len(out) == 0 {
		for _, r := range u.ID {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				out = append(out, unicode.ToUpper(r))
			}
			if len(out) == 2 {
				break
			}
		}
	}
	if len(out) == 0 {
		return "XX"
	}
	return string(out)
}

func formatPublicID(prefix string, seq int) string {
	return fmt.Sprintf("%s-%04d", prefix, seq)
}
