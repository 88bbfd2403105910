package util

import (
	"crypto/rand"
	"math/big"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomDigits returns a random numeric string of the given length whose
// first digit is never zero, so the value always has exactly length digits.
func RandomDigits(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		upper, offset := int64(10), byte('0')
		if i == 0 {
			upper, offset = 9, byte('1')
		}
		n, _ := rand.Int(rand.Reader, big.NewInt(upper))
		digits[i] = offset + byte(n.Int64())
	}
	return string(digits)
}

// RandomToken returns a random lowercase base-36 token of the given length.
func RandomToken(length int) string {
	out := make([]byte, length)
	for i := range out {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(base36))))
		out[i] = base36[n.Int64()]
	}
	return string(out)
}
