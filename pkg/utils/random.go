package utils

import (
	"crypto/rand"
	"math/big"

	"github.com/pkg/errors"
)

const characterSet = "abcdefghijklmnopqrstuvwxyz0123456789"

func RandomString(length int) (string, error) {
	result := make([]byte, 0, length)
	m := big.NewInt(int64(len(characterSet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, m)
		if err != nil {
			return "", errors.WithMessage(err, "failed to generate random number")
		}
		result = append(result, characterSet[n.Int64()])
	}

	return string(result), nil
}
