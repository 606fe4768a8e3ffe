package booking

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	codePrefix = "SHU"
	// codeChars omits I, O, 0 and 1 so codes survive being read aloud.
	codeChars     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeSuffixLen = 8
)

// GenerateCode builds a booking code like "SHU20261015K7QX2MNA". The random
// suffix carries 40 bits; the store's unique index remains the real guard.
func GenerateCode(now time.Time) (string, error) {
	suffix := make([]byte, codeSuffixLen)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", fmt.Errorf("failed to generate booking code: %w", err)
		}
		suffix[i] = codeChars[n.Int64()]
	}
	return codePrefix + now.Format("20060102") + string(suffix), nil
}
