// Package validation enforces the request-validation contract the ingress
// layer must apply before enqueue.
package validation

import (
	"math/big"
	"regexp"
	"strings"

	"github.com/luxfi/near-dispatch-gateway/internal/gwerrors"
)

// accountIDPattern matches NEAR's account-id grammar: lowercase
// alphanumerics, '_', '-', dots as segment separators, 2-64 chars total,
// no leading/trailing/consecutive dots.
var accountIDPattern = regexp.MustCompile(`^[a-z0-9_-]+(\.[a-z0-9_-]+)*$`)

// maxAmount is the gateway's ceiling: <= 10^12 base units.
var maxAmount = new(big.Int).Exp(big.NewInt(10), big.NewInt(12), nil)

const (
	minAccountIDLen = 2
	maxAccountIDLen = 64
	maxMemoLen      = 256
	maxFractional   = 24
)

// ReceiverID validates an account id against NEAR's grammar.
func ReceiverID(id string) error {
	if len(id) < minAccountIDLen || len(id) > maxAccountIDLen {
		return gwerrors.New(gwerrors.Validation, "receiverId must be 2-64 characters")
	}
	if strings.HasPrefix(id, ".") || strings.HasSuffix(id, ".") || strings.Contains(id, "..") {
		return gwerrors.New(gwerrors.Validation, "receiverId has leading/trailing/consecutive dots")
	}
	if !accountIDPattern.MatchString(id) {
		return gwerrors.New(gwerrors.Validation, "receiverId does not match the NEAR account-id grammar")
	}
	return nil
}

// Amount validates a decimal base-unit amount string: non-empty, > 0,
// <= 10^12, <= 24 fractional digits.
func Amount(amount string) error {
	if amount == "" {
		return gwerrors.New(gwerrors.Validation, "amount must not be empty")
	}
	intPart, fracPart, hasFrac := strings.Cut(amount, ".")
	if hasFrac {
		if len(fracPart) > maxFractional {
			return gwerrors.New(gwerrors.Validation, "amount has more than 24 fractional digits")
		}
		if fracPart == "" || !isDigits(fracPart) {
			return gwerrors.New(gwerrors.Validation, "amount has a malformed fractional part")
		}
	}
	if intPart == "" || !isDigits(intPart) {
		return gwerrors.New(gwerrors.Validation, "amount must be a non-negative decimal string")
	}
	n, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return gwerrors.New(gwerrors.Validation, "amount is not a valid integer")
	}
	if hasFrac {
		// A non-zero fractional part with a zero integer part is still a
		// positive amount; only reject when the whole value is exactly 0.
		if n.Sign() == 0 && allZero(fracPart) {
			return gwerrors.New(gwerrors.Validation, "amount must be greater than 0")
		}
	} else if n.Sign() <= 0 {
		return gwerrors.New(gwerrors.Validation, "amount must be greater than 0")
	}
	if n.Cmp(maxAmount) > 0 || (n.Cmp(maxAmount) == 0 && hasFrac && !allZero(fracPart)) {
		return gwerrors.New(gwerrors.Validation, "amount exceeds 10^12 base units")
	}
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

func allZero(s string) bool {
	for _, r := range s {
		if r != '0' {
			return false
		}
	}
	return true
}

// Memo validates an optional memo: printable bytes (0x20-0x7E, tab, CR,
// LF), <= 256 chars.
func Memo(memo string) error {
	if memo == "" {
		return nil
	}
	if len(memo) > maxMemoLen {
		return gwerrors.New(gwerrors.Validation, "memo exceeds 256 characters")
	}
	for i := 0; i < len(memo); i++ {
		b := memo[i]
		if b == '\t' || b == '\r' || b == '\n' {
			continue
		}
		if b < 0x20 || b > 0x7E {
			return gwerrors.New(gwerrors.Validation, "memo contains a non-printable byte")
		}
	}
	return nil
}

// Priority validates a priority value against the gateway's [0.1, 10]
// range. A zero value is treated as "unspecified" by callers and defaulted
// elsewhere, not rejected here.
func Priority(p float64) error {
	if p == 0 {
		return nil
	}
	if p < 0.1 || p > 10 {
		return gwerrors.New(gwerrors.Validation, "priority must be within [0.1, 10]")
	}
	return nil
}
