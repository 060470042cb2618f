package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases the description, replaces any run of non-alphanumeric
// characters with a single dash, and trims leading/trailing dashes.
func Slug(description string) string {
	s := strings.ToLower(description)
	s = nonAlnumRun.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// FeatureID renders the canonical NNN-slug identifier.
func FeatureID(seq int, description string) string {
	return fmt.Sprintf("%03d-%s", seq, Slug(description))
}
