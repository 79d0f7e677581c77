package uid

import (
	"crypto/rand"
	"encoding/hex"
	"io"
)

// Uid returns a unique id. These ids consist of 128 bits from a
// cryptographically strong pseudo-random generator, resulting in a
// 32-character lowercase hexadecimal string.
func Uid() string {
	id := make([]byte, 16)
	_, err := io.ReadFull(rand.Reader, id)
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(id)
}
