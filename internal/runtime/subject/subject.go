// Package subject validates dot-delimited bus subjects and matches them
// against subscription patterns.
package subject

import (
	"fmt"
	"strings"
)

const (
	// Wildcard matches exactly one token.
	Wildcard = "*"
	// FullWildcard matches one or more trailing tokens.
	FullWildcard = ">"
)

// ValidatePattern checks a subscription pattern. A full wildcard is only
// allowed as the last token.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty subject")
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return fmt.Errorf("subject %q has an empty token", pattern)
		case strings.ContainsAny(tok, " \t\r\n"):
			return fmt.Errorf("subject %q contains whitespace", pattern)
		case tok == FullWildcard && i != len(tokens)-1:
			return fmt.Errorf("subject %q: %q must be the last token", pattern, FullWildcard)
		}
	}
	return nil
}

// ValidatePublish checks that subject is a concrete publish target.
func ValidatePublish(subject string) error {
	if err := ValidatePattern(subject); err != nil {
		return err
	}
	if HasWildcard(subject) {
		return fmt.Errorf("subject %q: wildcards are not allowed when publishing", subject)
	}
	return nil
}

// HasWildcard reports whether any token of subject is a wildcard.
func HasWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == Wildcard || tok == FullWildcard {
			return true
		}
	}
	return false
}

// Match reports whether the concrete subject is matched by pattern.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == FullWildcard {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != Wildcard && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
