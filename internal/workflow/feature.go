package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FeatureIDPattern matches "NNN-slug" feature ids.
var FeatureIDPattern = regexp.MustCompile(`^[0-9]{3}-[a-z0-9-]+$`)

// ValidFeatureID reports whether id matches FeatureIDPattern.
func ValidFeatureID(id string) bool {
	return FeatureIDPattern.MatchString(id)
}

// ParseFeatureID splits "001-demo" into (1, "demo").
func ParseFeatureID(id string) (int, string, bool) {
	if !ValidFeatureID(id) {
		return 0, "", false
	}
	n, err := strconv.Atoi(id[:3])
	if err != nil {
		return 0, "", false
	}
	return n, id[4:], true
}

// FormatFeatureID builds "NNN-slug" from an ordinal and a slug.
func FormatFeatureID(n int, slug string) string {
	return fmt.Sprintf("%03d-%s", n, slug)
}

// --- Slug generation ---

const maxSlugLen = 50

// Slugify converts a description into a feature slug.
// Example: "Add OAuth login" → "add-oauth-login"
//
// Rules:
//   - Lowercase
//   - Spaces and underscores become hyphens
//   - Other non-alphanumeric characters are removed
//   - Consecutive hyphens are collapsed, leading/trailing trimmed
//   - Truncated to 50 characters (at a word boundary if possible)
//   - Empty input returns "unnamed-feature"
func Slugify(description string) string {
	if strings.TrimSpace(description) == "" {
		return "unnamed-feature"
	}

	s := strings.ToLower(strings.TrimSpace(description))

	var b strings.Builder
	prevHyphen := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevHyphen = false
		case r == ' ' || r == '_' || r == '-':
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "unnamed-feature"
	}
	if len(slug) <= maxSlugLen {
		return slug
	}

	truncated := slug[:maxSlugLen]
	if lastHyphen := strings.LastIndex(truncated, "-"); lastHyphen > maxSlugLen/2 {
		truncated = truncated[:lastHyphen]
	}
	return strings.TrimRight(truncated, "-")
}
