package util

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

const nameAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// RandString returns a random n-character name, used for endpoints and for
// executables started without an explicit name.
func RandString(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("length should be greater than zero")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var builder strings.Builder
	builder.Grow(n)
	for i := 0; i < n; i++ {
		builder.WriteByte(nameAlphabet[rng.Intn(len(nameAlphabet))])
	}
	return builder.String(), nil
}
