package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

var (
	allowedRandomChars = []rune("23456789ABCDEFGHJKLMNPQRSTVWXYZ")
	decimalChars       = []rune("0123456789")
	hexChars           = []rune("0123456789abcdef")
)

// RandomChars returns n characters from an alphabet without look-alike glyphs.
func RandomChars(n int) (string, error) {
	return randomFrom(allowedRandomChars, n)
}

// RandomDigits returns n decimal digits, leading zeros allowed.
func RandomDigits(n int) (string, error) {
	return randomFrom(decimalChars, n)
}

// RandomHex returns n lower-case hex characters.
func RandomHex(n int) (string, error) {
	return randomFrom(hexChars, n)
}

func randomFrom(alphabet []rune, n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := RandomIntn(len(alphabet))
		if err != nil {
			return "", fmt.Errorf("generating random char index: %w", err)
		}
		sb.WriteRune(alphabet[idx])
	}
	return sb.String(), nil
}

func RandomIntn(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("generating random number: %w", err)
	}
	return int(n.Int64()), nil
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
