// Package naming validates the identifiers callers supply for items and actors.
package naming

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/diamondops/custody/pkg/errclass"
)

const maxLen = 128

var idRegex = regexp.MustCompile(`^[A-Za-z0-9._:@-]+$`)

// Normalize returns the NFC form of id with surrounding space removed.
func Normalize(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// ValidateID checks an item, actor or artifact identifier. kind is used in
// the error message only.
func ValidateID(kind, id string) error {
	if id == "" {
		return errclass.ErrNameInvalid.WithMessagef("%s must not be empty", kind)
	}
	if id != Normalize(id) {
		return errclass.ErrNameInvalid.WithMessagef("%s must be NFC-normalized without surrounding space: %q", kind, id)
	}
	if len(id) > maxLen {
		return errclass.ErrNameInvalid.WithMessagef("%s longer than %d bytes", kind, maxLen)
	}
	if strings.Contains(id, "..") {
		return errclass.ErrNameInvalid.WithMessagef("%s must not contain '..': %s", kind, id)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("%s must not contain control characters: %q", kind, id)
		}
	}
	if !idRegex.MatchString(id) {
		return errclass.ErrNameInvalid.WithMessagef("%s must match [A-Za-z0-9._:@-]+: %s", kind, id)
	}
	return nil
}

// ValidateIDs validates each kind/id pair in order and returns the first error.
func ValidateIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if err := ValidateID(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}
