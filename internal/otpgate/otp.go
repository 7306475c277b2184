// Package otpgate gates the confirmed -> in_progress transition behind the
// ride's one-time code.
package otpgate

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

const DefaultLength = 4

// Generate returns a uniformly random numeric code of the given length,
// zero padded.
func Generate(length int) (string, error) {
	if length <= 0 {
		length = DefaultLength
	}
	if length > 18 {
		return "", fmt.Errorf("otp length %d out of range", length)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n.Int64()), nil
}

// NormalizeCode trims surrounding whitespace. Codes are always compared as
// strings so leading zeros are significant.
func NormalizeCode(code string) string {
	return strings.TrimSpace(code)
}

// CodeFrom renders a decoded JSON value (string or number) as a code.
func CodeFrom(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return NormalizeCode(c)
	case json.Number:
		return NormalizeCode(c.String())
	case float64:
		if c == math.Trunc(c) && !math.IsInf(c, 0) {
			return strconv.FormatFloat(c, 'f', 0, 64)
		}
		return strconv.FormatFloat(c, 'f', -1, 64)
	case int:
		return strconv.Itoa(c)
	case int64:
		return strconv.FormatInt(c, 10)
	default:
		return NormalizeCode(fmt.Sprint(c))
	}
}

func numeric(code string) bool {
	if code == "" {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
