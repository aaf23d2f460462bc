package services

import "strings"

// consentGranted interprets the free-text opt-in answer from the submission
// form. Only an explicit "y" or "yes" (any case, surrounding whitespace
// ignored) grants consent; everything else, including empty or garbage input,
// withholds it. Defaulting to false is the privacy-preserving choice: an
// unreadable answer must never cause an identity to be stored.
func consentGranted(rawAnswer string) bool {
	switch strings.ToLower(strings.TrimSpace(rawAnswer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
