package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// NormalizeName canonicalises user-supplied identifiers (usernames, hosts)
// so that visually identical names map to the same key.
func NormalizeName(s string) string {
	return folder.String(norm.NFKC.String(strings.TrimSpace(s)))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// Digest returns the lower-case hex SHA-256 of the concatenated parts.
func Digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// EqualConstantTime compares two strings without leaking where they differ.
func EqualConstantTime(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
