// Package whitelist decides which emails skip the CAPTCHA challenge.
package whitelist

import "strings"

// IsEmailWhitelisted reports whether email appears in the comma-separated
// list. Matching is case-insensitive and ignores surrounding whitespace.
func IsEmailWhitelisted(email, list string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || strings.TrimSpace(list) == "" {
		return false
	}

	for _, entry := range strings.Split(list, ",") {
		if strings.ToLower(strings.TrimSpace(entry)) == email {
			return true
		}
	}
	return false
}
