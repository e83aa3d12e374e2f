package utils

import (
	"crypto/rand"
	"math/big"
	"regexp"
)

const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// CodeLength is the length of session codes shown to users.
const CodeLength = 8

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// GenerateCode returns a random alphanumeric code of the given length.
func GenerateCode(length int) (string, error) {
	result := make([]byte, length)
	max := big.NewInt(int64(len(charset)))

	for i := range result {
		num, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		result[i] = charset[num.Int64()]
	}

	return string(result), nil
}

// IsValidCode validates that a code is exactly CodeLength alphanumeric characters
func IsValidCode(code string) bool {
	return len(code) == CodeLength && codePattern.MatchString(code)
}
