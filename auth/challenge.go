package auth

import (
	"fmt"
	"time"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/internal/util"
)

// DefaultChallengeTTL is how long an issued challenge code stays valid.
const DefaultChallengeTTL = 10 * time.Minute

// ChallengeForm selects the shape of a generated challenge code.
type ChallengeForm string

const (
	// FormCode is six decimal digits, suitable for SMS.
	FormCode ChallengeForm = "code"
	// FormHex is 64 hex characters, suitable for links.
	FormHex ChallengeForm = "hex"
	// FormText is eight unambiguous letters and digits.
	FormText ChallengeForm = "text"
)

// ParseChallengeForm maps a request argument to a form; unknown values fall
// back to FormText.
func ParseChallengeForm(s string) ChallengeForm {
	switch f := ChallengeForm(s); f {
	case FormCode, FormHex, FormText:
		return f
	}
	return FormText
}

// IssueChallenge generates a fresh challenge valid for ttl.
func (e *Engine) IssueChallenge(form ChallengeForm, ttl time.Duration) (account.Challenge, error) {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	var (
		code string
		err  error
	)
	switch ParseChallengeForm(string(form)) {
	case FormCode:
		code, err = util.RandomDigits(6)
	case FormHex:
		code, err = util.RandomHex(64)
	default:
		code, err = util.RandomChars(8)
	}
	if err != nil {
		return account.Challenge{}, fmt.Errorf("auth: generating challenge: %w", err)
	}
	return account.Challenge{
		Code:    code,
		Expires: e.now().Add(ttl).Unix(),
	}, nil
}
