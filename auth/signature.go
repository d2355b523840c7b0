package auth

import (
	"errors"
	"strconv"
	"strings"

	"github.com/CanyonCasa/homebrew/account"
	"github.com/CanyonCasa/homebrew/internal/util"
)

// ErrBadSignature is returned for API credentials that cannot be parsed.
var ErrBadSignature = errors.New("malformed api signature")

// Signature is the credential a machine client sends with each request.
type Signature struct {
	Key   string `json:"key"`
	Salt  string `json:"salt"`
	Epoch int64  `json:"epoch"`
	Hash  string `json:"hash"`
}

// ParseSignature parses the compact "key-salt-epoch-hash" form.
func ParseSignature(s string) (Signature, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 4 {
		return Signature{}, ErrBadSignature
	}
	epoch, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Signature{Key: parts[0]}, ErrBadSignature
	}
	return Signature{Key: parts[0], Salt: parts[1], Epoch: epoch, Hash: parts[3]}, nil
}

// String renders the compact form.
func (s Signature) String() string {
	return s.Key + "-" + s.Salt + "-" + strconv.FormatInt(s.Epoch, 10) + "-" + s.Hash
}

// Sign builds a signature for rec at epoch (unix seconds).
func Sign(rec account.APIRecord, salt string, epoch int64) Signature {
	return Signature{
		Key:   rec.Key,
		Salt:  salt,
		Epoch: epoch,
		Hash:  util.Digest(rec.Secret, salt, strconv.FormatInt(epoch, 10)),
	}
}

// CheckAPI reports whether sig was produced with rec's secret within the
// allowed clock skew.
func (e *Engine) CheckAPI(rec account.APIRecord, sig Signature) bool {
	if rec.Key == "" || rec.Secret == "" || sig.Key != rec.Key || sig.Hash == "" {
		return false
	}
	skew := e.now().Unix() - sig.Epoch
	if skew < 0 {
		skew = -skew
	}
	if skew >= int64(e.apiTolerance.Seconds()) {
		return false
	}
	want := util.Digest(rec.Secret, sig.Salt, strconv.FormatInt(sig.Epoch, 10))
	return util.EqualConstantTime(sig.Hash, want)
}
