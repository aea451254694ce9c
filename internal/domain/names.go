package domain

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName folds a display name into its uniqueness key:
// NFKC, case folded, surrounding space trimmed, inner whitespace runs collapsed.
func NormalizeName(name string) string {
	s := norm.NFKC.String(name)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}
