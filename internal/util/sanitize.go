// SPDX-License-Identifier: MIT

package util

import (
	"regexp"
	"strings"
)

const (
	// MaxUsernameLength is the maximum length accepted for a sanitized username.
	MaxUsernameLength = 64

	// MaxRawUsernameLength rejects pathological input before any processing.
	MaxRawUsernameLength = 1024
)

var collapseUnderscoresRe = regexp.MustCompile(`_+`)

// SanitizeUsername converts an arbitrary username into a string that is
// safe to embed in a filename: per-user lock paths, the "temp/<base>.partNNN"
// segment names, and the merged/remuxed artifact base name (spec.md §3,
// §4.2: "Username (non-empty, filename-safe)").
//
// Adapted from the teacher's audio.SanitizeDeviceName, which sanitizes ALSA
// device names for the same reason (safe use in config keys and file
// paths); the rules are unchanged, only the domain the output is used in.
func SanitizeUsername(name string) (string, bool) {
	if name == "" || len(name) > MaxRawUsernameLength {
		return "", false
	}

	if containsControlChars(name) {
		return "", false
	}

	if strings.Contains(name, "..") || strings.ContainsAny(name, "/$") || strings.HasPrefix(name, "-") {
		return "", false
	}

	if len(name) > MaxUsernameLength {
		name = name[:MaxUsernameLength]
	}

	sanitized := replaceNonAlphanumeric(name)
	sanitized = collapseUnderscoresRe.ReplaceAllString(sanitized, "_")
	sanitized = strings.Trim(sanitized, "_")

	if sanitized == "" {
		return "", false
	}

	return sanitized, true
}

func replaceNonAlphanumeric(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlphanumeric(c) {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func containsControlChars(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != 0x09 && c != 0x0A && c != 0x0D {
			return true
		}
		if c == 0x7F {
			return true
		}
	}
	return false
}
